package dispatch

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/shandysiswandi/notifyd/internal/pkg/uid"
	"github.com/shandysiswandi/notifyd/internal/shared/event"
	"gopkg.in/yaml.v3"
)

//go:embed routes.yaml
var defaultTable []byte

// ErrInvalidTable wraps every routing table load failure.
var ErrInvalidTable = errors.New("dispatch: invalid routing table")

// DefaultTable returns the built-in routing table: one email per event type.
func DefaultTable() []byte {
	return bytes.Clone(defaultTable)
}

type tableFile struct {
	Routes map[event.Type][]routeSpec `yaml:"routes"`
}

type routeSpec struct {
	Channel   Channel `yaml:"channel"`
	Recipient string  `yaml:"recipient"`
	Subject   string  `yaml:"subject"`
	Body      string  `yaml:"body"`
}

type route struct {
	channel   Channel
	recipient *template.Template
	subject   *template.Template
	body      *template.Template
}

var funcs = template.FuncMap{
	"date": func(layout string, t time.Time) string {
		return t.UTC().Format(layout)
	},
	"upper": strings.ToUpper,
}

// Router maps events to tasks. It is safe for concurrent use.
type Router struct {
	routes map[event.Type][]route
	ids    uid.NumberID
}

// NewRouter parses table and checks every template against a sample event of
// its type, so render failures surface at startup rather than per event.
func NewRouter(ids uid.NumberID, table []byte) (*Router, error) {
	var tf tableFile
	if err := yaml.Unmarshal(table, &tf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}

	r := &Router{routes: make(map[event.Type][]route, len(tf.Routes)), ids: ids}
	for typ, specs := range tf.Routes {
		if !typ.Known() {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidTable, typ)
		}
		for i, spec := range specs {
			rt, err := compile(typ, i, spec)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
			}
			r.routes[typ] = append(r.routes[typ], rt)
		}
	}
	return r, nil
}

func compile(typ event.Type, i int, spec routeSpec) (route, error) {
	name := fmt.Sprintf("%s[%d]", typ, i)
	if !spec.Channel.Valid() {
		return route{}, fmt.Errorf("%s: unknown channel %q", name, spec.Channel)
	}
	if spec.Recipient == "" && spec.Channel == ChannelEmail {
		spec.Recipient = "{{.Email}}"
	}
	if spec.Recipient == "" {
		return route{}, fmt.Errorf("%s: recipient template is required for %s", name, spec.Channel)
	}
	if strings.TrimSpace(spec.Body) == "" {
		return route{}, fmt.Errorf("%s: body template is required", name)
	}

	rt := route{channel: spec.Channel}
	for _, p := range []struct {
		dst  **template.Template
		kind string
		text string
	}{
		{&rt.recipient, "recipient", spec.Recipient},
		{&rt.subject, "subject", spec.Subject},
		{&rt.body, "body", spec.Body},
	} {
		tpl, err := template.New(name + "." + p.kind).Funcs(funcs).Parse(p.text)
		if err != nil {
			return route{}, err
		}
		if _, err := render(tpl, sample(typ)); err != nil {
			return route{}, err
		}
		*p.dst = tpl
	}
	return rt, nil
}

func sample(typ event.Type) event.Event {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return event.Event{
		ID: "evt-sample", Type: typ, OccurredAt: now, UserID: "user-sample", Email: "sample@example.com",
		UserName: "sample", ResetToken: "reset-token-sample",
		SlotID: "slot-sample", ProductID: "prod-sample", ProductName: "sample", ExpiresAt: now.Add(time.Hour),
	}
}

func render(tpl *template.Template, e event.Event) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, e); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Route returns the tasks for e in table order. Event types without a route
// yield no tasks; producers may be ahead of this deployment. A route whose
// templates fail for e still yields its task, with RenderErr set.
func (r *Router) Route(ctx context.Context, e event.Event) []Task {
	routes, ok := r.routes[e.Type]
	if !ok {
		slog.WarnContext(ctx, "dispatch: no route for event type", "event_id", e.ID, "event_type", e.Type)
		return nil
	}

	tasks := make([]Task, 0, len(routes))
	for _, rt := range routes {
		t := r.build(rt, e)
		if t.RenderErr != nil {
			slog.ErrorContext(ctx, "dispatch: failed to render task", "event_id", e.ID, "channel", rt.channel, "error", t.RenderErr)
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func (r *Router) build(rt route, e event.Event) Task {
	t := Task{
		ID:        r.ids.Generate(),
		EventID:   e.ID,
		EventType: e.Type,
		Channel:   rt.channel,
	}

	recipient, err := render(rt.recipient, e)
	if err != nil {
		t.RenderErr = fmt.Errorf("recipient: %w", err)
		return t
	}
	t.Recipient = strings.TrimSpace(recipient)

	subject, err := render(rt.subject, e)
	if err != nil {
		t.RenderErr = fmt.Errorf("subject: %w", err)
		return t
	}
	body, err := render(rt.body, e)
	if err != nil {
		t.RenderErr = fmt.Errorf("body: %w", err)
		return t
	}

	t.Content = Content{Subject: strings.TrimSpace(subject), Body: body}
	return t
}
