package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTXTRoundTrip(t *testing.T) {
	want := TXT{
		APIProto: ProtoHTTP,
		APIVer:   []string{"v1.0", "v1.2", "v1.3"},
		Pri:      50,
	}
	raw := MakeTXT(ServiceRegister, want.APIProto, want.APIVer, want.Pri)
	got, err := ParseTXT(raw)
	require.NoError(t, err)
	require.Equal(t, want.APIProto, got.APIProto)
	require.Equal(t, want.APIVer, got.APIVer)
	require.Equal(t, want.Pri, got.Pri)
}

func TestNodeServiceOmitsPriority(t *testing.T) {
	raw := MakeTXT(ServiceNode, ProtoHTTP, []string{"v1.3"}, 10)
	_, ok := raw["pri"]
	require.False(t, ok)
}

func TestRankingOrder(t *testing.T) {
	// {(v1.2, pri=10), (v1.3, pri=100), (v1.3, pri=10)} -> (v1.3,10), (v1.3,100), (v1.2,10)
	candidates := []Candidate{
		{URI: "a", APIVer: "v1.2", Pri: 10},
		{URI: "b", APIVer: "v1.3", Pri: 100},
		{URI: "c", APIVer: "v1.3", Pri: 10},
	}
	ranked := rank(candidates, false)
	require.Equal(t, []string{"c", "b", "a"}, []string{ranked[0].URI, ranked[1].URI, ranked[2].URI})
}

func TestResolveServiceEndToEnd(t *testing.T) {
	backend := NewFakeBackend()
	ctx := context.Background()

	txt := MakeTXT(ServiceRegister, ProtoHTTP, []string{"v1.2", "v1.3"}, 50)
	require.NoError(t, backend.RegisterService(ctx, "nmos-cpp_registration_host:8010", ServiceRegister, 8010, "local.", "", txt))

	candidates, err := ResolveService(ctx, backend, backend, ResolveOptions{
		Service:      ServiceRegister,
		Domain:       "local.",
		RequiredVers: []string{"v1.2", "v1.3"},
		Priorities:   PriorityBand{Lo: 0, Hi: 99},
		Deadline:     time.Now().Add(time.Second),
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "http://127.0.0.1:8010/x-nmos/registration/v1.3", candidates[0].URI)
}
