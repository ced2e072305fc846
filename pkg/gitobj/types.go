package gitobj

// Hash is a 40-character hex-encoded SHA-1 digest, matching the host
// git repository's object addressing.
type Hash string

// Kind identifies the kind of loose object stored.
type Kind string

const (
	KindCommit Kind = "commit"
	KindTree   Kind = "tree"
	KindBlob   Kind = "blob"
	KindTag    Kind = "tag"
)

// ValidKind reports whether k is one of the four git object kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindCommit, KindTree, KindBlob, KindTag:
		return true
	}
	return false
}

// Object is one decoded loose object. Objects are immutable: written
// once under their content hash and never updated.
type Object struct {
	Kind Kind
	Data []byte
}
