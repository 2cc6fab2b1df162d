// Package discovery implements the Node's DNS-SD/mDNS-facing logic: the TXT record
// codec, candidate filtering, and ranking algorithm (spec.md §4.2). The actual
// browse/resolve/advertise daemon is an external collaborator, described here only
// as the Browser/Resolver/Advertiser interfaces this package consumes.
package discovery

import (
	"fmt"
	"strconv"
	"strings"

	nmoserrors "github.com/nmosnode/node/internal/errors"
)

// Proto is the transport scheme advertised in the api_proto TXT record.
type Proto string

const (
	ProtoHTTP  Proto = "http"
	ProtoHTTPS Proto = "https"
)

// ServiceType names one of the four NMOS mDNS service types.
type ServiceType string

const (
	ServiceNode             ServiceType = "_nmos-node._tcp"
	ServiceRegister         ServiceType = "_nmos-register._tcp"     // v1.3+
	ServiceRegistrationV1x  ServiceType = "_nmos-registration._tcp" // <=v1.2
	ServiceQuery            ServiceType = "_nmos-query._tcp"
)

// NoPriority is the "100" sentinel meaning "do not use this instance".
const NoPriority = 100

// TXT holds the parsed contents of an NMOS service instance's TXT records.
type TXT struct {
	APIProto Proto
	APIVer   []string // ascending, e.g. ["v1.0", "v1.2", "v1.3"]
	Pri      int      // 0..99, or NoPriority

	// Node-only per-type change counters (ver_slf/ver_src/ver_flw/ver_dvc/ver_snd/ver_rcv).
	VerSelf     int
	VerSources  int
	VerFlows    int
	VerDevices  int
	VerSenders  int
	VerReceivers int
}

// MakeTXT builds the TXT record set for a service advertisement. Per §4.2, the node
// service type omits "pri" entirely; every other service type includes it.
func MakeTXT(service ServiceType, proto Proto, apiVer []string, pri int) map[string]string {
	records := map[string]string{
		"api_proto": string(proto),
		"api_ver":   strings.Join(apiVer, ","),
	}
	if service != ServiceNode {
		records["pri"] = strconv.Itoa(pri)
	}
	return records
}

// MakeVerRecords builds the six ver_* TXT records for a node advertisement.
func MakeVerRecords(t TXT) map[string]string {
	return map[string]string{
		"ver_slf": strconv.Itoa(t.VerSelf),
		"ver_src": strconv.Itoa(t.VerSources),
		"ver_flw": strconv.Itoa(t.VerFlows),
		"ver_dvc": strconv.Itoa(t.VerDevices),
		"ver_snd": strconv.Itoa(t.VerSenders),
		"ver_rcv": strconv.Itoa(t.VerReceivers),
	}
}

// ParseTXT parses a raw TXT record set into a structured TXT. Unknown keys are
// ignored; a missing "pri" defaults to NoPriority (no-op); a missing "api_proto"
// defaults to http.
func ParseTXT(records map[string]string) (TXT, error) {
	t := TXT{APIProto: ProtoHTTP, Pri: NoPriority}

	if v, ok := records["api_proto"]; ok {
		t.APIProto = Proto(v)
	}
	if v, ok := records["api_ver"]; ok {
		if v == "" {
			return TXT{}, nmoserrors.WrapInvalid(fmt.Errorf("empty api_ver"), "discovery", "ParseTXT", "parse api_ver")
		}
		t.APIVer = strings.Split(v, ",")
	}
	if v, ok := records["pri"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return TXT{}, nmoserrors.WrapInvalid(err, "discovery", "ParseTXT", "parse pri")
		}
		t.Pri = n
	}
	var err error
	if t.VerSelf, err = parseVer(records, "ver_slf"); err != nil {
		return TXT{}, err
	}
	if t.VerSources, err = parseVer(records, "ver_src"); err != nil {
		return TXT{}, err
	}
	if t.VerFlows, err = parseVer(records, "ver_flw"); err != nil {
		return TXT{}, err
	}
	if t.VerDevices, err = parseVer(records, "ver_dvc"); err != nil {
		return TXT{}, err
	}
	if t.VerSenders, err = parseVer(records, "ver_snd"); err != nil {
		return TXT{}, err
	}
	if t.VerReceivers, err = parseVer(records, "ver_rcv"); err != nil {
		return TXT{}, err
	}
	return t, nil
}

func parseVer(records map[string]string, key string) (int, error) {
	v, ok := records[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nmoserrors.WrapInvalid(err, "discovery", "ParseTXT", "parse "+key)
	}
	return n, nil
}

// InstanceName builds the advertised mDNS instance name: "nmos-cpp_<api>_<host>:<port>"
// with every "." replaced by "-" (some DNS-SD implementations reject "." in names).
func InstanceName(api, host string, port int) string {
	name := fmt.Sprintf("nmos-cpp_%s_%s:%d", api, host, port)
	return strings.ReplaceAll(name, ".", "-")
}
