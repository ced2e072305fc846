package helper

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/odvcencio/git-remote-blob/pkg/backend"
	"github.com/odvcencio/git-remote-blob/pkg/gitobj"
	"github.com/odvcencio/git-remote-blob/pkg/store"
)

// fakeLocal is an in-memory host repository implementing LocalRepo.
type fakeLocal struct {
	mu          sync.Mutex
	objects     map[gitobj.Hash][]byte // raw loose bytes
	refs        map[string]gitobj.Hash
	head        string          // symbolic HEAD target
	ancestors   map[string]bool // "a>b": a is ancestor of b
	ancestryErr error           // forces IsAncestor to fail
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		objects:   make(map[gitobj.Hash][]byte),
		refs:      make(map[string]gitobj.Hash),
		ancestors: make(map[string]bool),
	}
}

func (f *fakeLocal) addObject(kind gitobj.Kind, payload []byte) gitobj.Hash {
	raw := gitobj.Encode(&gitobj.Object{Kind: kind, Data: payload})
	h := gitobj.HashRaw(raw)
	f.mu.Lock()
	f.objects[h] = raw
	f.mu.Unlock()
	return h
}

func (f *fakeLocal) Resolve(ctx context.Context, ref string) (gitobj.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.refs[ref]; ok {
		return h, nil
	}
	h := gitobj.Hash(ref)
	if gitobj.ValidateHash(h) == nil {
		return h, nil
	}
	return "", fmt.Errorf("unknown ref %q", ref)
}

func (f *fakeLocal) SymbolicRef(ctx context.Context, name string) (string, error) {
	if name != "HEAD" || f.head == "" {
		return "", fmt.Errorf("no symbolic ref %q", name)
	}
	return f.head, nil
}

func (f *fakeLocal) IsAncestor(ctx context.Context, a, b gitobj.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ancestryErr != nil {
		return false, f.ancestryErr
	}
	return f.ancestors[string(a)+">"+string(b)], nil
}

func (f *fakeLocal) EncodeObject(ctx context.Context, h gitobj.Hash) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[h]
	if !ok {
		return nil, fmt.Errorf("local object %s missing", h)
	}
	return raw, nil
}

func (f *fakeLocal) ReferencedObjects(ctx context.Context, h gitobj.Hash) ([]gitobj.Hash, error) {
	raw, err := f.EncodeObject(ctx, h)
	if err != nil {
		return nil, err
	}
	obj, err := gitobj.Decode(raw)
	if err != nil {
		return nil, err
	}
	return gitobj.ReferencedHashes(obj.Kind, obj.Data)
}

func (f *fakeLocal) WriteLooseObject(ctx context.Context, raw []byte) (gitobj.Hash, error) {
	if _, err := gitobj.Decode(raw); err != nil {
		return "", err
	}
	h := gitobj.HashRaw(raw)
	f.mu.Lock()
	f.objects[h] = raw
	f.mu.Unlock()
	return h, nil
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func treeEntry(t *testing.T, name string, blob gitobj.Hash) []byte {
	t.Helper()
	digest, err := hex.DecodeString(string(blob))
	if err != nil {
		t.Fatal(err)
	}
	return append([]byte("100644 "+name+"\x00"), digest...)
}

func commitBody(tree gitobj.Hash, parents ...gitobj.Hash) []byte {
	out := fmt.Sprintf("tree %s\n", tree)
	for _, p := range parents {
		out += fmt.Sprintf("parent %s\n", p)
	}
	out += "author A <a@x> 1700000000 +0000\n\nmsg\n"
	return []byte(out)
}

// rootCommit seeds the fake local repo with blob <- tree <- commit and
// points refs/heads/main at the commit.
func rootCommit(t *testing.T, local *fakeLocal) (commit, tree, blob gitobj.Hash) {
	t.Helper()
	blob = local.addObject(gitobj.KindBlob, []byte("hello\n"))
	tree = local.addObject(gitobj.KindTree, treeEntry(t, "README.md", blob))
	commit = local.addObject(gitobj.KindCommit, commitBody(tree))
	local.refs["refs/heads/main"] = commit
	local.head = "refs/heads/main"
	return commit, tree, blob
}

type testEnv struct {
	local *fakeLocal
	store *store.Store
	out   bytes.Buffer
}

// runSession drives one protocol conversation over input and returns
// the reply stream.
func runSession(t *testing.T, env *testEnv, input string) (string, error) {
	t.Helper()
	if env.store == nil {
		env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	}
	h := New(env.store, env.local, NewSession(io.Discard), strings.NewReader(input), &env.out)
	err := h.Run(context.Background())
	return env.out.String(), err
}

// ---------------------------------------------------------------------------
// Protocol basics
// ---------------------------------------------------------------------------

func TestCapabilities(t *testing.T) {
	env := &testEnv{local: newFakeLocal()}
	out, err := runSession(t, env, "capabilities\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "option\npush\nfetch\n\n" {
		t.Errorf("capabilities reply: %q", out)
	}
}

func TestOptionVerbosity(t *testing.T) {
	env := &testEnv{local: newFakeLocal()}
	out, err := runSession(t, env, "option verbosity 3\noption cloning true\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok\nunsupported\n" {
		t.Errorf("option replies: %q", out)
	}
}

func TestListForPushEmptyRepository(t *testing.T) {
	env := &testEnv{local: newFakeLocal()}
	out, err := runSession(t, env, "list for-push\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "\n" {
		t.Errorf("empty for-push listing: %q", out)
	}
}

func TestListPlainAbsentNamespaceFails(t *testing.T) {
	env := &testEnv{local: newFakeLocal()}
	_, err := runSession(t, env, "list\n\n")
	if err == nil {
		t.Error("plain list against absent namespace succeeded")
	}
}

func TestUnknownCommandTerminates(t *testing.T) {
	env := &testEnv{local: newFakeLocal()}
	_, err := runSession(t, env, "export\n")
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("got %v, want ProtocolError", err)
	}
}

// ---------------------------------------------------------------------------
// Push
// ---------------------------------------------------------------------------

func TestPushFirstToEmptyRemote(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal()
	commit, tree, blob := rootCommit(t, local)

	env := &testEnv{local: local}
	out, err := runSession(t, env, "push refs/heads/main:refs/heads/main\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok refs/heads/main\n\n" {
		t.Errorf("push reply: %q", out)
	}

	// The whole closure landed on the remote.
	for _, h := range []gitobj.Hash{commit, tree, blob} {
		raw, err := env.store.GetObject(ctx, h)
		if err != nil {
			t.Fatalf("remote missing %s: %v", h, err)
		}
		if gitobj.HashRaw(raw) != h {
			t.Errorf("remote object %s corrupt", h)
		}
	}

	got, err := env.store.GetRef(ctx, "refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if got != commit {
		t.Errorf("remote ref: got %s, want %s", got, commit)
	}

	// First push to an empty remote initializes HEAD.
	head, err := env.store.ReadSymbolic(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if head != "refs/heads/main" {
		t.Errorf("remote HEAD: got %q", head)
	}
}

func TestPushFastForward(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal()
	c1, _, _ := rootCommit(t, local)

	tree2 := local.addObject(gitobj.KindTree, treeEntry(t, "b.txt", local.addObject(gitobj.KindBlob, []byte("2"))))
	c2 := local.addObject(gitobj.KindCommit, commitBody(tree2, c1))
	local.refs["refs/heads/main"] = c2
	local.ancestors[string(c1)+">"+string(c2)] = true

	env := &testEnv{local: local}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	if err := env.store.PutRef(ctx, "refs/heads/main", c1); err != nil {
		t.Fatal(err)
	}

	out, err := runSession(t, env, "push refs/heads/main:refs/heads/main\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok refs/heads/main\n\n" {
		t.Errorf("push reply: %q", out)
	}
	got, err := env.store.GetRef(ctx, "refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if got != c2 {
		t.Errorf("ref after fast-forward: got %s, want %s", got, c2)
	}
}

func TestPushProceedsWhenAncestryUnknown(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal()
	c1, _, _ := rootCommit(t, local)

	tree2 := local.addObject(gitobj.KindTree, treeEntry(t, "b.txt", local.addObject(gitobj.KindBlob, []byte("2"))))
	c2 := local.addObject(gitobj.KindCommit, commitBody(tree2, c1))
	local.refs["refs/heads/main"] = c2
	// Ancestry cannot be determined (e.g. the remote value is unknown
	// to the local repository); a non-forced push must still go through.
	local.ancestryErr = fmt.Errorf("no merge base")

	env := &testEnv{local: local}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	if err := env.store.PutRef(ctx, "refs/heads/main", c1); err != nil {
		t.Fatal(err)
	}

	out, err := runSession(t, env, "push refs/heads/main:refs/heads/main\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok refs/heads/main\n\n" {
		t.Errorf("push reply: %q", out)
	}
	got, err := env.store.GetRef(ctx, "refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if got != c2 {
		t.Errorf("ref after push: got %s, want %s", got, c2)
	}
}

func TestPushNonFastForwardRejected(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal()
	c1, _, _ := rootCommit(t, local)

	// Divergent commit with no ancestry relation to c1.
	treeZ := local.addObject(gitobj.KindTree, treeEntry(t, "z", local.addObject(gitobj.KindBlob, []byte("z"))))
	cz := local.addObject(gitobj.KindCommit, commitBody(treeZ))
	local.refs["refs/heads/main"] = cz

	env := &testEnv{local: local}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	if err := env.store.PutRef(ctx, "refs/heads/main", c1); err != nil {
		t.Fatal(err)
	}

	out, err := runSession(t, env, "push refs/heads/main:refs/heads/main\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "error refs/heads/main non-fast-forward\n\n" {
		t.Errorf("push reply: %q", out)
	}
	// The remote ref is unchanged.
	got, err := env.store.GetRef(ctx, "refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if got != c1 {
		t.Errorf("ref after rejected push: got %s, want %s", got, c1)
	}
}

func TestPushForceOverridesAncestry(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal()
	c1, _, _ := rootCommit(t, local)

	treeZ := local.addObject(gitobj.KindTree, treeEntry(t, "z", local.addObject(gitobj.KindBlob, []byte("z"))))
	cz := local.addObject(gitobj.KindCommit, commitBody(treeZ))
	local.refs["refs/heads/main"] = cz

	env := &testEnv{local: local}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	if err := env.store.PutRef(ctx, "refs/heads/main", c1); err != nil {
		t.Fatal(err)
	}

	out, err := runSession(t, env, "push +refs/heads/main:refs/heads/main\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok refs/heads/main\n\n" {
		t.Errorf("force push reply: %q", out)
	}
	got, err := env.store.GetRef(ctx, "refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if got != cz {
		t.Errorf("ref after force push: got %s, want %s", got, cz)
	}
}

func TestPushBatchConflictDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal()
	c1, _, _ := rootCommit(t, local)

	treeZ := local.addObject(gitobj.KindTree, treeEntry(t, "z", local.addObject(gitobj.KindBlob, []byte("z"))))
	cz := local.addObject(gitobj.KindCommit, commitBody(treeZ))
	local.refs["refs/heads/diverged"] = cz
	local.refs["refs/heads/feature"] = cz

	env := &testEnv{local: local}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	if err := env.store.PutRef(ctx, "refs/heads/diverged", c1); err != nil {
		t.Fatal(err)
	}

	input := "push refs/heads/diverged:refs/heads/diverged\npush refs/heads/feature:refs/heads/feature\n\n"
	out, err := runSession(t, env, input)
	if err != nil {
		t.Fatal(err)
	}
	want := "error refs/heads/diverged non-fast-forward\nok refs/heads/feature\n\n"
	if out != want {
		t.Errorf("batch replies: got %q, want %q", out, want)
	}
}

func TestPushDeleteRef(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal()
	c1, _, _ := rootCommit(t, local)

	env := &testEnv{local: local}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	if err := env.store.PutRef(ctx, "refs/heads/old", c1); err != nil {
		t.Fatal(err)
	}

	out, err := runSession(t, env, "push :refs/heads/old\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok refs/heads/old\n\n" {
		t.Errorf("delete reply: %q", out)
	}
	if _, err := env.store.GetRef(ctx, "refs/heads/old"); !backend.IsNotFound(err) {
		t.Errorf("ref still present after delete: %v", err)
	}

	// Deleting an absent ref still replies ok.
	env2 := &testEnv{local: newFakeLocal()}
	out, err = runSession(t, env2, "push :refs/heads/never\n\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok refs/heads/never\n\n" {
		t.Errorf("absent delete reply: %q", out)
	}
}

func TestPushSkipsObjectsPresentOnRemote(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal()
	c1, _, _ := rootCommit(t, local)

	tree2 := local.addObject(gitobj.KindTree, treeEntry(t, "b", local.addObject(gitobj.KindBlob, []byte("2"))))
	c2 := local.addObject(gitobj.KindCommit, commitBody(tree2, c1))
	local.refs["refs/heads/main"] = c2
	local.ancestors[string(c1)+">"+string(c2)] = true

	env := &testEnv{local: local}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	// c1 is the listed value of an existing remote ref, so its whole
	// subtree is assumed present and never re-encoded.
	if err := env.store.PutRef(ctx, "refs/heads/main", c1); err != nil {
		t.Fatal(err)
	}

	if _, err := runSession(t, env, "push refs/heads/main:refs/heads/main\n\n"); err != nil {
		t.Fatal(err)
	}
	// c1 itself was pruned from the upload closure.
	if _, err := env.store.GetObject(ctx, c1); !backend.IsNotFound(err) {
		t.Errorf("pruned commit was uploaded anyway: %v", err)
	}
	if _, err := env.store.GetObject(ctx, c2); err != nil {
		t.Errorf("new commit missing from remote: %v", err)
	}
}

func TestFirstPushHeadRespectsExistingHead(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal()
	rootCommit(t, local)

	env := &testEnv{local: local}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	if err := env.store.WriteSymbolic(ctx, "HEAD", "refs/heads/other"); err != nil {
		t.Fatal(err)
	}

	if _, err := runSession(t, env, "push refs/heads/main:refs/heads/main\n\n"); err != nil {
		t.Fatal(err)
	}
	head, err := env.store.ReadSymbolic(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if head != "refs/heads/other" {
		t.Errorf("existing remote HEAD overwritten: %q", head)
	}
}

// ---------------------------------------------------------------------------
// List after push
// ---------------------------------------------------------------------------

func TestListAfterPush(t *testing.T) {
	local := newFakeLocal()
	commit, _, _ := rootCommit(t, local)

	env := &testEnv{local: local}
	input := "push refs/heads/main:refs/heads/main\n\nlist\n\n"
	out, err := runSession(t, env, input)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("ok refs/heads/main\n\n%s refs/heads/main\n@refs/heads/main HEAD\n\n", commit)
	if out != want {
		t.Errorf("list output: got %q, want %q", out, want)
	}
}

// ---------------------------------------------------------------------------
// Fetch
// ---------------------------------------------------------------------------

func TestFetchClosureIntoLocal(t *testing.T) {
	ctx := context.Background()

	// Seed the remote store from a donor repository.
	donor := newFakeLocal()
	commit, tree, blob := rootCommit(t, donor)

	env := &testEnv{local: newFakeLocal()}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	for _, h := range []gitobj.Hash{commit, tree, blob} {
		raw, err := donor.EncodeObject(ctx, h)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.store.PutObject(ctx, h, raw); err != nil {
			t.Fatal(err)
		}
	}

	input := fmt.Sprintf("fetch %s refs/heads/main\n\n", commit)
	out, err := runSession(t, env, input)
	if err != nil {
		t.Fatal(err)
	}
	if out != "\n" {
		t.Errorf("fetch acknowledgement: %q", out)
	}
	for _, h := range []gitobj.Hash{commit, tree, blob} {
		if _, err := env.local.EncodeObject(ctx, h); err != nil {
			t.Errorf("object %s not fetched into local repo", h)
		}
	}
}

func TestFetchCorruptRemoteFails(t *testing.T) {
	ctx := context.Background()
	donor := newFakeLocal()
	commit, tree, blob := rootCommit(t, donor)

	env := &testEnv{local: newFakeLocal()}
	env.store = store.New(backend.NewDir(t.TempDir()), "repo")
	for _, h := range []gitobj.Hash{commit, tree} {
		raw, err := donor.EncodeObject(ctx, h)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.store.PutObject(ctx, h, raw); err != nil {
			t.Fatal(err)
		}
	}
	// Store tampered bytes under the blob's address.
	bad := gitobj.Encode(&gitobj.Object{Kind: gitobj.KindBlob, Data: []byte("tampered")})
	if err := env.store.PutObject(ctx, blob, bad); err != nil {
		t.Fatal(err)
	}

	input := fmt.Sprintf("fetch %s refs/heads/main\n\n", commit)
	if _, err := runSession(t, env, input); err == nil {
		t.Error("fetch of corrupt remote succeeded")
	}
	// The tampered object never reached the local repository.
	if _, err := env.local.EncodeObject(ctx, blob); err == nil {
		t.Error("tampered object written to local repo")
	}
}
