package rpcserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"astrosorter/internal/tasks"
)

func dialService(t *testing.T) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeListener(ctx, lis, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return NewClient(conn)
}

func TestGenerateSequatorOverGRPC(t *testing.T) {
	client := dialService(t)
	root := t.TempDir()
	res, err := client.GenerateSequator(context.Background(), tasks.ProjectRequest{
		Root:   root,
		Name:   "m45",
		Lights: []string{filepath.Join(root, "a.tif"), filepath.Join(root, "b.tif")},
		Darks:  []string{filepath.Join(root, "d.tif")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stack != filepath.Join(root, "m45-Stack.sep") || res.Trail != filepath.Join(root, "m45-Trail.sep") {
		t.Fatalf("unexpected response %+v", res)
	}
}

func TestGenerateDSSOverGRPC(t *testing.T) {
	client := dialService(t)
	out := filepath.Join(t.TempDir(), "lists", "m45.txt")
	res, err := client.GenerateDSS(context.Background(), tasks.ProjectRequest{Output: out, Lights: []string{"/data/a.tif"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.List != out {
		t.Fatalf("unexpected list %q", res.List)
	}
}

func TestGRPCErrorCodes(t *testing.T) {
	client := dialService(t)
	_, err := client.GenerateSequator(context.Background(), tasks.ProjectRequest{Root: t.TempDir(), Name: "empty"})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
	_, err = client.GenerateSequator(context.Background(), tasks.ProjectRequest{Name: "noroot"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	_, err = client.GenerateDSS(context.Background(), tasks.ProjectRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
