package netlink

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

var ErrorMockNetlink = errors.New("Mock Netlink Error")

func newErrorMockNetlink(errStr string) error {
	return fmt.Errorf("%w : %s", ErrorMockNetlink, errStr)
}

// MockNetlink models links per namespace in memory. returnError fails every
// call; FailOn fails only the named method.
type MockNetlink struct {
	mu          sync.Mutex
	returnError bool
	errorString string
	failOn      string
	links       map[string]map[string]bool
	peers       map[string]string
	masters     map[string]string
	addrs       map[string][]string
	routes      map[string][]string
}

func NewMockNetlink(returnError bool, errorString string) *MockNetlink {
	return &MockNetlink{
		returnError: returnError,
		errorString: errorString,
		links:       map[string]map[string]bool{RootNs: {"lo": true}},
		peers:       make(map[string]string),
		masters:     make(map[string]string),
		addrs:       make(map[string][]string),
		routes:      make(map[string][]string),
	}
}

// FailOn makes only the given method (e.g. "SetLinkNetNs") fail.
func (f *MockNetlink) FailOn(method string) *MockNetlink {
	f.failOn = method
	return f
}

// AddLink seeds a link into ns.
func (f *MockNetlink) AddLink(ns, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nsLinks(ns)[name] = true
}

// Links returns the sorted link names currently in ns.
func (f *MockNetlink) Links(ns string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.links[ns]))
	for name := range f.links[ns] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *MockNetlink) Addresses(ns, name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.addrs[ns+"/"+name]...)
}

func (f *MockNetlink) Routes(ns string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.routes[ns]...)
}

func (f *MockNetlink) Master(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.masters[name]
}

func (f *MockNetlink) fail(method string) error {
	if f.returnError || f.failOn == method {
		return newErrorMockNetlink(f.errorString)
	}
	return nil
}

func (f *MockNetlink) nsLinks(ns string) map[string]bool {
	if f.links[ns] == nil {
		f.links[ns] = map[string]bool{"lo": true}
	}
	return f.links[ns]
}

func (f *MockNetlink) findLink(name string) (string, bool) {
	for ns, links := range f.links {
		if links[name] {
			return ns, true
		}
	}
	return "", false
}

func (f *MockNetlink) AddVethPair(name, peer string) error {
	if err := f.fail("AddVethPair"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	root := f.nsLinks(RootNs)
	if root[name] || root[peer] {
		return newErrorMockNetlink("file exists")
	}
	root[name] = true
	root[peer] = true
	f.peers[name] = peer
	f.peers[peer] = name
	return nil
}

func (f *MockNetlink) AddBridge(name string) error {
	if err := f.fail("AddBridge"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nsLinks(RootNs)[name] = true
	return nil
}

func (f *MockNetlink) SetLinkNetNs(name, ns string) error {
	if err := f.fail("SetLinkNetNs"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.links[RootNs][name] {
		return newErrorMockNetlink("link not found: " + name)
	}
	delete(f.links[RootNs], name)
	f.nsLinks(ns)[name] = true
	return nil
}

func (f *MockNetlink) SetLinkMaster(name, master string) error {
	if err := f.fail("SetLinkMaster"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masters[name] = master
	return nil
}

func (f *MockNetlink) SetLinkState(ns, name string, _ bool) error {
	if err := f.fail("SetLinkState"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.nsLinks(ns)[name] {
		return newErrorMockNetlink("link not found: " + name)
	}
	return nil
}

func (f *MockNetlink) AddIPAddress(ns, name string, ipNet *net.IPNet) error {
	if err := f.fail("AddIPAddress"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ns + "/" + name
	f.addrs[key] = append(f.addrs[key], ipNet.String())
	return nil
}

func (f *MockNetlink) AddDefaultRoute(ns, name string, gw net.IP) error {
	if err := f.fail("AddDefaultRoute"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[ns] = append(f.routes[ns], fmt.Sprintf("default via %s dev %s", gw, name))
	return nil
}

func (f *MockNetlink) DeleteLink(ns, name string) error {
	if err := f.fail("DeleteLink"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.links[ns][name] {
		return newErrorMockNetlink("link not found: " + name)
	}
	delete(f.links[ns], name)
	if peer, ok := f.peers[name]; ok {
		if peerNs, found := f.findLink(peer); found {
			delete(f.links[peerNs], peer)
		}
		delete(f.peers, name)
		delete(f.peers, peer)
	}
	delete(f.masters, name)
	return nil
}

func (f *MockNetlink) LinkExists(ns, name string) (bool, error) {
	if err := f.fail("LinkExists"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[ns][name], nil
}

func (f *MockNetlink) ListLinks(ns string) ([]string, error) {
	if err := f.fail("ListLinks"); err != nil {
		return nil, err
	}
	return f.Links(ns), nil
}
