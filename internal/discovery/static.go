package discovery

import (
	"context"
	"net"
	"strconv"
)

// StaticBackend implements Browser, Resolver, and Advertiser over a fixed,
// operator-supplied registry address (spec.md §6's registry_address override,
// used "when DNS-SD unavailable"). The pack carries no DNS-SD/mDNS client
// library, so this is the Node's default backend; a real multicast backend can
// be dropped in later behind the same three interfaces without any caller change.
type StaticBackend struct {
	host string
	port int
	txt  map[string]string
}

// NewStaticBackend parses a "host:port" registry address into a backend that
// always resolves to that single address for any service/domain query.
func NewStaticBackend(address string, txt map[string]string) (*StaticBackend, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return &StaticBackend{host: host, port: port, txt: txt}, nil
}

func (b *StaticBackend) Browse(ctx context.Context, service ServiceType, domain string) (<-chan BrowseHit, error) {
	ch := make(chan BrowseHit, 1)
	ch <- BrowseHit{InstanceName: "static." + string(service), Domain: domain}
	close(ch)
	return ch, nil
}

func (b *StaticBackend) Resolve(ctx context.Context, hit BrowseHit) (ResolveResult, error) {
	addrs, err := net.LookupHost(b.host)
	if err != nil {
		addrs = []string{b.host}
	}
	return ResolveResult{IPAddresses: addrs, Port: b.port, TXT: b.txt}, nil
}

// RegisterService and UpdateRecord are no-ops: a static backend has no
// directory to publish into, only a fixed address callers already know.
func (b *StaticBackend) RegisterService(ctx context.Context, instanceName string, service ServiceType, port int, domain, host string, txt map[string]string) error {
	return nil
}

func (b *StaticBackend) UpdateRecord(ctx context.Context, instanceName string, service ServiceType, domain string, txt map[string]string) error {
	return nil
}
