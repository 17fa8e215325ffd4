package manifest

// Record is any manifest the store can persist. One record maps to one file
// under <root>/<kind>/<name>.yaml.
type Record interface {
	ManifestKind() Kind
	ManifestName() string
}

// Manifest is the envelope shared by every record kind. Metadata carries
// operator-facing attributes, Spec the desired state.
type Manifest[M any, S any] struct {
	Kind     Kind   `yaml:"kind"`
	Name     string `yaml:"name"`
	Metadata M      `yaml:"metadata"`
	Spec     S      `yaml:"spec"`
}

func (m *Manifest[M, S]) ManifestKind() Kind {
	return m.Kind
}

func (m *Manifest[M, S]) ManifestName() string {
	return m.Name
}

// Ref returns the kind/name reference other manifests use to point here.
func (m *Manifest[M, S]) Ref() Ref {
	return NewRef(m.Kind, m.Name)
}
