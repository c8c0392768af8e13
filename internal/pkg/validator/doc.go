// Package validator checks struct tags and single values with
// go-playground/validator v10 and reports failures as a field to message map.
package validator
