package benchmark

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/connection"
	"github.com/yndnr/nodelink-go/internal/net/router"
	"github.com/yndnr/nodelink-go/internal/net/transport"
	"github.com/yndnr/nodelink-go/internal/net/versions"
	"github.com/yndnr/nodelink-go/internal/net/wire"
	"github.com/yndnr/nodelink-go/internal/server/clusterserver"
	"github.com/yndnr/nodelink-go/internal/telemetry/logger"
)

// PayloadSizes are the application payload sizes benchmarked.
var PayloadSizes = []int{0, 64, 1 << 10, 64 << 10}

func payload(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

func sampleMessage(n int) *wire.Message {
	return &wire.Message{
		Header: wire.Header{
			MsgID:    42,
			Versions: domain.Versions{Logs: 7, Schema: 3},
		},
		Body: &wire.BinaryMessage{Target: wire.TargetNodePing, Payload: payload(n)},
	}
}

type acceptResult struct {
	conn *connection.Conn
	err  error
}

// linkedPair returns an initiator connected over an in-memory pipe to an
// acceptor whose router answers NodePing.
func linkedPair(b *testing.B) *connection.Conn {
	b.Helper()
	log := logger.Discard()

	reg := router.NewRegistry()
	store := versions.NewStore(domain.Versions{})
	if err := clusterserver.RegisterBuiltins(reg, store, log); err != nil {
		b.Fatal(err)
	}
	rt := router.New(reg, router.Config{Workers: 4, QueueSize: 1024, Logger: log})
	rt.Start()
	b.Cleanup(rt.Stop)

	accSide, initSide := transport.Pipe()
	accID := domain.PlainNodeID(1).WithGeneration(1)
	initID := domain.PlainNodeID(2).WithGeneration(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan acceptResult, 1)
	go func() {
		c, err := connection.Accept(ctx, accSide, connection.Options{
			ClusterName:   "bench",
			MyNodeID:      &accID,
			Router:        rt,
			VersionSource: store,
			Logger:        log,
		})
		ch <- acceptResult{c, err}
	}()

	c, err := connection.Initiate(ctx, initSide, connection.Options{
		ClusterName: "bench",
		MyNodeID:    &initID,
		Logger:      log,
	})
	res := <-ch
	if res.conn != nil {
		b.Cleanup(func() { res.conn.Close("benchmark done") })
	}
	if err != nil {
		b.Fatalf("Initiate() error = %v", err)
	}
	b.Cleanup(func() { c.Close("benchmark done") })
	if res.err != nil {
		b.Fatalf("Accept() error = %v", res.err)
	}
	return c
}
