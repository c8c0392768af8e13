// Package mail sends email. Callers depend on Mail; SMTP delivers over the
// network and Log only writes the message to the structured log.
package mail
