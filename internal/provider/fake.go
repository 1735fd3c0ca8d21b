package provider

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
)

// FakeClient is an in-memory Client test double. It is the supplemented
// substitute for the real cloud SDK's wire protocol (out of scope), driving
// every session-pool, registry, and transfer-engine test in this module.
//
// Every node lives under a single in-memory tree rooted at "/". Every
// future it returns is already resolved when the method returns; there is
// no simulated latency.
type FakeClient struct {
	mu sync.Mutex

	// LoginErr, when set, makes Login fail with this error.
	LoginErr error
	// FetchNodesErr, when set, makes FetchNodes fail with this error.
	FetchNodesErr error

	root  *Node
	nodes map[string]*Node // path -> node, "/" is the root

	// FailExportPaths / FailImportLinks force specific export and
	// link-resolve calls to fail, for exercising the engine's partial-failure paths.
	FailExportPaths map[string]bool
	FailImportLinks map[string]bool

	loggedIn bool
}

// NewFakeClient creates an empty fake client with just a root folder.
func NewFakeClient() *FakeClient {
	root := &Node{ID: "root", Path: "/", Name: "/", IsFolder: true}
	return &FakeClient{
		root:            root,
		nodes:           map[string]*Node{"/": root},
		FailExportPaths: map[string]bool{},
		FailImportLinks: map[string]bool{},
	}
}

// AddFile registers a file node at path with the given size, for tests that
// need the engine to see existing source content.
func (f *FakeClient) AddFile(p string, size int64) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := &Node{ID: "node-" + p, Path: p, Name: path.Base(p), Size: size}
	f.nodes[p] = n
	return n
}

// AddFolder registers a folder node at path.
func (f *FakeClient) AddFolder(p string) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := &Node{ID: "node-" + p, Path: p, Name: path.Base(p), IsFolder: true}
	f.nodes[p] = n
	return n
}

// Export marks an existing path as already exported before a test runs, to
// exercise the "reuse existing public link" branch of Step 1.
func (f *FakeClient) Export(p, link string) {
	f.mu.Lock()
	n, ok := f.nodes[p]
	if ok {
		n.IsExported = true
		n.PublicLink = link
	}
	f.mu.Unlock()
	if ok {
		publicLinks.put(link, n)
	}
}

// publicLinks models the cloud backend's global public-link resolver: a
// link exported from one account's client must resolve on any other
// account's client, since the accounts share one backend. Keyed
// process-wide rather than per-FakeClient instance.
var publicLinks = &linkRegistry{links: map[string]*Node{}}

type linkRegistry struct {
	mu    sync.Mutex
	links map[string]*Node
}

func (r *linkRegistry) put(link string, n *Node) {
	r.mu.Lock()
	r.links[link] = n
	r.mu.Unlock()
}

func (r *linkRegistry) get(link string) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.links[link]
	return n, ok
}

func (f *FakeClient) Login(ctx context.Context, email, password string) *Future[string] {
	fut := NewFuture[string]()
	if f.LoginErr != nil {
		fut.Reject(f.LoginErr)
		return fut
	}
	f.mu.Lock()
	f.loggedIn = true
	f.mu.Unlock()
	fut.Resolve("session-token-" + email)
	return fut
}

func (f *FakeClient) FastLogin(ctx context.Context, sessionToken string) *Future[struct{}] {
	fut := NewFuture[struct{}]()
	if f.LoginErr != nil {
		fut.Reject(f.LoginErr)
		return fut
	}
	f.mu.Lock()
	f.loggedIn = true
	f.mu.Unlock()
	fut.Resolve(struct{}{})
	return fut
}

func (f *FakeClient) FetchNodes(ctx context.Context) *Future[*Node] {
	fut := NewFuture[*Node]()
	if f.FetchNodesErr != nil {
		fut.Reject(f.FetchNodesErr)
		return fut
	}
	fut.Resolve(f.root)
	return fut
}

func (f *FakeClient) Logout(ctx context.Context) *Future[struct{}] {
	fut := NewFuture[struct{}]()
	f.mu.Lock()
	f.loggedIn = false
	f.mu.Unlock()
	fut.Resolve(struct{}{})
	return fut
}

func (f *FakeClient) NodeByPath(ctx context.Context, p string) *Future[*Node] {
	fut := NewFuture[*Node]()
	f.mu.Lock()
	n, ok := f.nodes[p]
	f.mu.Unlock()
	if !ok {
		fut.Reject(ErrNotFound)
		return fut
	}
	fut.Resolve(n)
	return fut
}

func (f *FakeClient) Children(ctx context.Context, node *Node) *Future[[]*Node] {
	fut := NewFuture[[]*Node]()
	f.mu.Lock()
	defer f.mu.Unlock()
	var kids []*Node
	prefix := strings.TrimSuffix(node.Path, "/") + "/"
	for p, n := range f.nodes {
		if p == node.Path {
			continue
		}
		if strings.HasPrefix(p, prefix) && !strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			kids = append(kids, n)
		}
	}
	fut.Resolve(kids)
	return fut
}

func (f *FakeClient) CreateFolder(ctx context.Context, name string, parent *Node) *Future[*Node] {
	fut := NewFuture[*Node]()
	f.mu.Lock()
	p := path.Join(parent.Path, name)
	n := &Node{ID: "node-" + p, Path: p, Name: name, IsFolder: true}
	f.nodes[p] = n
	f.mu.Unlock()
	fut.Resolve(n)
	return fut
}

func (f *FakeClient) Rename(ctx context.Context, node *Node, newName string) *Future[struct{}] {
	fut := NewFuture[struct{}]()
	f.mu.Lock()
	node.Name = newName
	f.mu.Unlock()
	fut.Resolve(struct{}{})
	return fut
}

func (f *FakeClient) Move(ctx context.Context, node, newParent *Node) *Future[struct{}] {
	fut := NewFuture[struct{}]()
	f.mu.Lock()
	delete(f.nodes, node.Path)
	node.Path = path.Join(newParent.Path, node.Name)
	f.nodes[node.Path] = node
	f.mu.Unlock()
	fut.Resolve(struct{}{})
	return fut
}

func (f *FakeClient) Remove(ctx context.Context, node *Node) *Future[struct{}] {
	fut := NewFuture[struct{}]()
	f.mu.Lock()
	delete(f.nodes, node.Path)
	f.mu.Unlock()
	fut.Resolve(struct{}{})
	return fut
}

func (f *FakeClient) Copy(ctx context.Context, node, newParent *Node) *Future[*Node] {
	fut := NewFuture[*Node]()
	f.mu.Lock()
	p := path.Join(newParent.Path, node.Name)
	cp := &Node{ID: "node-" + p, Path: p, Name: node.Name, Size: node.Size, IsFolder: node.IsFolder}
	f.nodes[p] = cp
	f.mu.Unlock()
	fut.Resolve(cp)
	return fut
}

func (f *FakeClient) ExportNode(ctx context.Context, node *Node) *Future[string] {
	fut := NewFuture[string]()
	if f.FailExportPaths[node.Path] {
		fut.Reject(NewError(ErrCodeInternal, "export failed for "+node.Path))
		return fut
	}
	link := fmt.Sprintf("https://fake.example/link/%s", node.ID)
	f.mu.Lock()
	node.IsExported = true
	node.PublicLink = link
	f.mu.Unlock()
	publicLinks.put(link, node)
	fut.Resolve(link)
	return fut
}

func (f *FakeClient) DisableExport(ctx context.Context, node *Node) *Future[struct{}] {
	fut := NewFuture[struct{}]()
	f.mu.Lock()
	node.IsExported = false
	node.PublicLink = ""
	f.mu.Unlock()
	fut.Resolve(struct{}{})
	return fut
}

func (f *FakeClient) PublicNodeForLink(ctx context.Context, link string) *Future[*Node] {
	fut := NewFuture[*Node]()
	if f.FailImportLinks[link] {
		fut.Reject(NewError(ErrCodeInternal, "link resolve failed: "+link))
		return fut
	}
	if n, ok := publicLinks.get(link); ok {
		fut.Resolve(n)
		return fut
	}
	fut.Reject(ErrNotFound)
	return fut
}

func (f *FakeClient) StartUpload(ctx context.Context, localPath string, parent *Node, onProgress func(done, total int64)) *Future[*Node] {
	fut := NewFuture[*Node]()
	if onProgress != nil {
		onProgress(1, 1)
	}
	f.mu.Lock()
	p := path.Join(parent.Path, path.Base(localPath))
	n := &Node{ID: "node-" + p, Path: p, Name: path.Base(localPath)}
	f.nodes[p] = n
	f.mu.Unlock()
	fut.Resolve(n)
	return fut
}

func (f *FakeClient) StartDownload(ctx context.Context, node *Node, localPath string, onProgress func(done, total int64)) *Future[struct{}] {
	fut := NewFuture[struct{}]()
	if onProgress != nil {
		onProgress(node.Size, node.Size)
	}
	fut.Resolve(struct{}{})
	return fut
}

func (f *FakeClient) CancelTransfer(transferID string) {}

var _ Client = (*FakeClient)(nil)
