package discovery

import (
	"context"
	"sort"

	"github.com/grandcat/zeroconf"
)

// Browse lists the participants advertising in namespace until ctx is done.
func Browse(ctx context.Context, namespace string) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, err
	}
	return collect(ctx, namespace, entries), nil
}

// collect gathers entries of namespace, one per id, sorted by id.
func collect(ctx context.Context, namespace string, entries <-chan *zeroconf.ServiceEntry) []Peer {
	seen := make(map[string]Peer)
	for {
		select {
		case <-ctx.Done():
			return sorted(seen)
		case entry, ok := <-entries:
			if !ok {
				return sorted(seen)
			}
			if entry == nil {
				continue
			}
			ns, id, ok := parseTXT(entry.Text)
			if !ok || ns != namespace {
				continue
			}
			p := seen[id]
			p.ID, p.Namespace, p.Host = id, ns, entry.HostName
			p.Addrs = append(p.Addrs, entry.AddrIPv4...)
			p.Addrs = append(p.Addrs, entry.AddrIPv6...)
			seen[id] = p
		}
	}
}

func sorted(m map[string]Peer) []Peer {
	out := make([]Peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
