package manifest

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrMalformedRef = errors.New("ref must be of the form kind/name")

// Ref points at another manifest by kind and name. On disk it is a one-field
// mapping, {ref: "kind/name"}, and it never inlines the target.
type Ref struct {
	target string
}

func NewRef(kind Kind, name string) Ref {
	return Ref{target: string(kind) + "/" + name}
}

// ParseRef validates and builds a Ref from its kind/name string form.
func ParseRef(target string) (Ref, error) {
	kind, name, found := strings.Cut(target, "/")
	if !found || kind == "" || name == "" {
		return Ref{}, fmt.Errorf("%q: %w", target, ErrMalformedRef)
	}

	return Ref{target: target}, nil
}

func (r Ref) Kind() Kind {
	kind, _, _ := strings.Cut(r.target, "/")
	return Kind(kind)
}

func (r Ref) Name() string {
	_, name, _ := strings.Cut(r.target, "/")
	return name
}

func (r Ref) String() string {
	return r.target
}

func (r Ref) IsZero() bool {
	return r.target == ""
}

func (r Ref) MarshalYAML() (any, error) {
	return struct {
		Ref string `yaml:"ref"`
	}{Ref: r.target}, nil
}

func (r *Ref) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Ref string `yaml:"ref"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	ref, err := ParseRef(raw.Ref)
	if err != nil {
		return err
	}

	*r = ref

	return nil
}

// Link is a manifest field that persists as a Ref and carries the referenced
// manifest in memory. Typed loaders resolve links eagerly right after
// decoding; saving writes the Ref back, so the target is never inlined.
type Link[T any] struct {
	Ref      Ref
	Resolved *T
}

func LinkTo[T any](ref Ref) Link[T] {
	return Link[T]{Ref: ref}
}

func (l Link[T]) IsZero() bool {
	return l.Ref.IsZero()
}

func (l Link[T]) MarshalYAML() (any, error) {
	return l.Ref, nil
}

func (l *Link[T]) UnmarshalYAML(node *yaml.Node) error {
	return node.Decode(&l.Ref)
}
