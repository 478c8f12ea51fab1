package mesh

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/lindamesh/internal/multiplex"
)

func TestConnectAndAcceptHandshakeAgree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverMesh := New(1, zerolog.Nop(), nil)
	accepted := make(chan int32, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, peerNode, ok := serverMesh.AcceptHandshake(conn)
		if ok {
			accepted <- peerNode
		}
	}()

	clientMesh := New(2, zerolog.Nop(), nil)
	_, peerNode, err := clientMesh.Connect(ln.Addr().String(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), peerNode)

	select {
	case got := <-accepted:
		assert.Equal(t, int32(2), got)
	case <-time.After(time.Second):
		t.Fatal("server never completed handshake")
	}

	assert.ElementsMatch(t, []int32{1}, clientMesh.DirectNeighbours())
	assert.ElementsMatch(t, []int32{2}, serverMesh.DirectNeighbours())
}

func TestConnectRejectsWrongNode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverMesh := New(1, zerolog.Nop(), nil)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serverMesh.AcceptHandshake(conn)
	}()

	clientMesh := New(2, zerolog.Nop(), nil)
	_, _, err = clientMesh.Connect(ln.Addr().String(), 99)
	assert.Error(t, err)
}

func TestAssignNodeIDNeverReissues(t *testing.T) {
	m := New(1, zerolog.Nop(), nil)
	assert.Equal(t, int32(2), m.AssignNodeID())
	assert.Equal(t, int32(3), m.AssignNodeID())
	assert.Equal(t, int32(3), m.MaxKnownNodeID(),
		"ids promised to joiners count as known even before they connect")
}

func TestRouteFollowsIndirectChain(t *testing.T) {
	m := New(1, zerolog.Nop(), nil)
	m.AddIndirect(3, 2)
	_, ok := m.Route(3)
	assert.False(t, ok, "node 2 itself isn't known yet, so 3 is unreachable")

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	mp := multiplex.New(a, 1)
	_ = multiplex.New(b, 2)
	m.AddDirect(2, mp)

	mp2, ok := m.Route(3)
	require.True(t, ok)
	assert.Same(t, mp, mp2)
}
