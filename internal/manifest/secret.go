package manifest

// SecretManifest is bookkeeping only: it names a value held by the secret
// vault and tracks its versions. The value itself never enters the store.

type SecretMetadata struct {
	Description string `yaml:"description,omitempty"`
}

type SecretSpec struct {
	SecretName       string `yaml:"secret_name"`
	Version          int    `yaml:"version"`
	PreviousVersions []int  `yaml:"previous_versions,omitempty"`
}

type SecretManifest = Manifest[SecretMetadata, SecretSpec]

func LoadSecret(store *Store, name string) (*SecretManifest, error) {
	return load[SecretMetadata, SecretSpec](store, KindSecret, name)
}

func NewSecret(name, description string) *SecretManifest {
	return &SecretManifest{
		Kind: KindSecret,
		Name: name,
		Metadata: SecretMetadata{
			Description: description,
		},
		Spec: SecretSpec{
			SecretName: name,
			Version:    1,
		},
	}
}
