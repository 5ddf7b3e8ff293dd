package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type glueResult struct {
	aToB, bToA int64
}

func startGlue(ctx context.Context) (client, server net.Conn, result <-chan glueResult) {
	client, proxyIn := net.Pipe()
	proxyOut, server := net.Pipe()
	ch := make(chan glueResult, 1)
	go func() {
		aToB, bToA := glue(ctx, proxyIn, proxyOut)
		ch <- glueResult{aToB, bToA}
	}()
	return client, server, ch
}

func TestGlue(t *testing.T) {
	client, server, result := startGlue(context.Background())
	defer server.Close()

	_, err := client.Write([]byte("hello"))
	assert.NilError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(buf), "hello"))

	_, err = server.Write([]byte("hi"))
	assert.NilError(t, err)
	_, err = io.ReadFull(client, buf[:2])
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(buf[:2]), "hi"))

	// Pipes cannot be half-closed, so EOF on one side tears down both.
	assert.NilError(t, client.Close())
	_, err = server.Read(buf)
	assert.Check(t, is.ErrorIs(err, io.EOF))

	select {
	case res := <-result:
		assert.Check(t, is.Equal(res.aToB, int64(5)))
		assert.Check(t, is.Equal(res.bToA, int64(2)))
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for glue to return")
	}
}

func TestGlueCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client, server, result := startGlue(ctx)
	defer client.Close()
	defer server.Close()

	cancel()
	select {
	case <-result:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for glue to return")
	}

	_, err := client.Read(make([]byte, 1))
	assert.Check(t, is.ErrorIs(err, io.EOF))
	_, err = server.Read(make([]byte, 1))
	assert.Check(t, is.ErrorIs(err, io.EOF))
}
