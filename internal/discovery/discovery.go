// Package discovery announces participants on the local network over mDNS so
// that `vcall peers` can list who is reachable without knowing ids upfront.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// ServiceType is the mDNS service type for vcall presence
const ServiceType = "_vcall._udp"

const domain = "local."

// maxInstanceLen is the DNS label limit for service instance names.
const maxInstanceLen = 63

// TXT record keys.
const (
	keyNamespace = "ns="
	keyID        = "id="
)

// Peer is a participant seen on the LAN.
type Peer struct {
	ID        string
	Namespace string
	Host      string
	Addrs     []net.IP
}

func (p Peer) String() string {
	if len(p.Addrs) == 0 {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.ID, p.Addrs[0])
}

// instanceName is only a label; browsers read the id from the TXT record.
// Long names are cut and suffixed with a hash of the full name.
func instanceName(namespace, id string) string {
	name := fmt.Sprintf("vcall-%s-%s", namespace, id)
	if len(name) <= maxInstanceLen {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := "-" + hex.EncodeToString(sum[:])[:8]
	return strings.ToValidUTF8(name[:maxInstanceLen-len(suffix)], "") + suffix
}

func txtRecord(namespace, id string) []string {
	return []string{keyNamespace + namespace, keyID + id}
}

// parseTXT extracts namespace and id. Ids may contain '=', only the first is
// the separator.
func parseTXT(txt []string) (namespace, id string, ok bool) {
	for _, t := range txt {
		switch {
		case strings.HasPrefix(t, keyNamespace):
			namespace = strings.TrimPrefix(t, keyNamespace)
		case strings.HasPrefix(t, keyID):
			id = strings.TrimPrefix(t, keyID)
		}
	}
	return namespace, id, namespace != "" && id != ""
}
