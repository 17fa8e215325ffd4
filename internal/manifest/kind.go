package manifest

import "fmt"

// Kind names a manifest schema. The kind selects both the directory a record
// lives in and the concrete type it decodes into.
type Kind string

const (
	KindCluster Kind = "cluster"
	KindNode    Kind = "node"
	KindSector  Kind = "sector"
	KindIpam    Kind = "ipam"
	KindLXC     Kind = "lxc"
	KindSecret  Kind = "secret"
	KindSDN     Kind = "sdn"
)

// Kinds lists every kind the engine persists, in listing order.
func Kinds() []Kind {
	return []Kind{KindCluster, KindNode, KindSector, KindIpam, KindLXC, KindSecret, KindSDN}
}

type UnknownKindError struct {
	Kind Kind
}

func (e UnknownKindError) Error() string {
	return fmt.Sprintf("unknown manifest kind %q", string(e.Kind))
}

// ParseKind validates a kind string from user input or a ref.
func ParseKind(value string) (Kind, error) {
	kind := Kind(value)
	if _, ok := loadFuncs[kind]; !ok {
		return "", UnknownKindError{Kind: kind}
	}

	return kind, nil
}

// loadFuncs is the fixed kind-to-loader mapping. Decoding picks the schema
// from here; kinds outside the map never deserialize.
var loadFuncs = map[Kind]func(*Store, string) (Record, error){
	KindCluster: func(s *Store, name string) (Record, error) { return LoadCluster(s, name) },
	KindNode:    func(s *Store, name string) (Record, error) { return LoadNode(s, name) },
	KindSector:  func(s *Store, name string) (Record, error) { return LoadSector(s, name) },
	KindIpam:    func(s *Store, name string) (Record, error) { return LoadIpam(s, name) },
	KindLXC:     func(s *Store, name string) (Record, error) { return LoadLXC(s, name) },
	KindSecret:  func(s *Store, name string) (Record, error) { return LoadSecret(s, name) },
	KindSDN:     func(s *Store, name string) (Record, error) { return LoadSDN(s, name) },
}

// LoadByKind loads a record through the kind mapping, for callers that only
// know the kind at runtime.
func LoadByKind(store *Store, kind Kind, name string) (Record, error) {
	loadFunc, ok := loadFuncs[kind]
	if !ok {
		return nil, UnknownKindError{Kind: kind}
	}

	return loadFunc(store, name)
}

// Resolve follows a ref to its target record.
func Resolve(store *Store, ref Ref) (Record, error) {
	return LoadByKind(store, ref.Kind(), ref.Name())
}
