package dispatch

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Supported job types.
const (
	TypeNotification = "notification.send"
	TypeContent      = "content.ingest"
	TypeThumbnail    = "media.thumbnail"
)

// JobType describes one supported kind of job.
type JobType struct {
	Name        string
	Version     int
	Priority    string
	Critical    bool
	Timeout     time.Duration
	MaxAttempts int

	schema *jsonschema.Schema
}

// Sheddable reports whether submissions may be rejected under backpressure.
func (t JobType) Sheddable() bool {
	return !t.Critical && t.Priority == "low"
}

// Validate checks a normalized payload against the type's schema.
func (t JobType) Validate(payload map[string]any) error {
	if t.schema == nil {
		return nil
	}
	return t.schema.Validate(any(payload))
}

// Registry holds the job types a deployment accepts. Workers and producers
// share it so timeouts and priorities agree.
type Registry struct {
	types map[string]JobType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]JobType)}
}

// Register adds a type with its JSON schema. Schemas should leave
// additionalProperties open so payloads from newer producers still validate.
func (r *Registry) Register(t JobType, schema string) error {
	if t.Name == "" {
		return fmt.Errorf("job type needs a name")
	}
	if _, dup := r.types[t.Name]; dup {
		return fmt.Errorf("job type %q already registered", t.Name)
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.Priority == "" {
		t.Priority = "default"
	}
	if schema != "" {
		compiler := jsonschema.NewCompiler()
		url := t.Name + ".json"
		if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
			return fmt.Errorf("add schema for %s: %w", t.Name, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", t.Name, err)
		}
		t.schema = compiled
	}
	r.types[t.Name] = t
	return nil
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (JobType, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Names lists registered types in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckPriorities fails when a registered type routes to a priority queue
// outside queues. Jobs of such a type could never be enqueued or consumed.
func (r *Registry) CheckPriorities(queues []string) error {
	var missing []string
	for _, name := range r.Names() {
		if p := r.types[name].Priority; !slices.Contains(queues, p) {
			missing = append(missing, fmt.Sprintf("%s -> %q", name, p))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("job types route to unconfigured priority queues %v: %s", queues, strings.Join(missing, ", "))
	}
	return nil
}

// NormalizePayload round-trips a payload through JSON so numbers, nested
// maps and slices have the same shapes a worker will decode from Postgres.
func NormalizePayload(payload any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

const notificationSchema = `{
  "type": "object",
  "required": ["recipient_user_id", "title"],
  "properties": {
    "recipient_user_id": {"type": "integer", "minimum": 1},
    "channel": {"enum": ["email", "push", "sms", "webhook"]},
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "body": {"type": "string", "maxLength": 10000}
  }
}`

const contentSchema = `{
  "type": "object",
  "required": ["source_url", "content_id"],
  "properties": {
    "source_url": {"type": "string", "pattern": "^https?://"},
    "content_id": {"type": "string", "minLength": 1, "maxLength": 200}
  }
}`

const thumbnailSchema = `{
  "type": "object",
  "required": ["source_url"],
  "properties": {
    "source_url": {"type": "string", "pattern": "^https?://"},
    "output_key": {"type": "string", "maxLength": 512},
    "width": {"type": "integer", "minimum": 0, "maximum": 4096},
    "height": {"type": "integer", "minimum": 0, "maximum": 4096},
    "grayscale": {"type": "boolean"},
    "destination": {"enum": ["s3", "local"]}
  }
}`

// DefaultRegistry returns the registry with every built-in job type.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, def := range []struct {
		t      JobType
		schema string
	}{
		{JobType{Name: TypeNotification, Version: 1, Priority: "high", Critical: true, Timeout: 30 * time.Second}, notificationSchema},
		{JobType{Name: TypeContent, Version: 1, Priority: "default", Timeout: 60 * time.Second}, contentSchema},
		{JobType{Name: TypeThumbnail, Version: 1, Priority: "low", Timeout: 2 * time.Minute, MaxAttempts: 3}, thumbnailSchema},
	} {
		if err := r.Register(def.t, def.schema); err != nil {
			return nil, err
		}
	}
	return r, nil
}
