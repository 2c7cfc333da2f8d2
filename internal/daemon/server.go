package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/wpprelay/internal/api"
	"github.com/matheus3301/wpprelay/internal/bus"
	"github.com/matheus3301/wpprelay/internal/config"
	"github.com/matheus3301/wpprelay/internal/realtime"
	"github.com/matheus3301/wpprelay/internal/status"
	"github.com/matheus3301/wpprelay/internal/storage"
	"github.com/matheus3301/wpprelay/internal/webhook"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ControlServer serves the gRPC health service on the daemon's Unix domain
// socket. Service "" is the daemon itself; "instance/<name>" follows the
// instance's connection state.
type ControlServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// HealthService returns the health service name of an instance.
func HealthService(instance string) string { return "instance/" + instance }

// NewControlServer creates a gRPC server bound to the control socket.
func NewControlServer(cfg *config.Config, logger *zap.Logger) (*ControlServer, error) {
	socketPath := cfg.SocketPath()

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	for _, inst := range cfg.Instances {
		hs.SetServingStatus(HealthService(inst.Name), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &ControlServer{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *ControlServer) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Follow mirrors instance connection changes into the health service until
// ctx is done.
func (s *ControlServer) Follow(ctx context.Context, b *bus.Bus, instances []string) {
	for _, name := range instances {
		ch, unsub := b.Subscribe(name+"/"+status.EventKind, 16)
		go func() {
			defer unsub()
			for {
				select {
				case evt, ok := <-ch:
					if !ok {
						return
					}
					change, _ := evt.Payload.(status.Change)
					st := healthpb.HealthCheckResponse_NOT_SERVING
					if change.To == status.Open {
						st = healthpb.HealthCheckResponse_SERVING
					}
					s.health.SetServingStatus(HealthService(name), st)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *ControlServer) Stop() {
	s.logger.Info("control server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// HTTPServer serves the webhook, REST and websocket routes.
type HTTPServer struct {
	srv      *http.Server
	listen   string
	listener net.Listener
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHTTPServer mounts every route on one router.
func NewHTTPServer(cfg *config.Config, wh *webhook.Handler, rest *api.Server, hub *realtime.Hub,
	files *storage.Local, logger *zap.Logger) *HTTPServer {
	r := mux.NewRouter()
	wh.Register(r)
	rest.Register(r)
	hub.Register(r)
	r.PathPrefix("/media/").Handler(http.StripPrefix("/media/", http.FileServer(http.Dir(files.Root()))))

	return &HTTPServer{
		srv:     &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second},
		listen:  cfg.HTTP.Listen,
		timeout: cfg.HTTP.ShutdownTimeout,
		logger:  logger,
	}
}

// Listen binds the listen address.
func (s *HTTPServer) Listen() error {
	l, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *HTTPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve blocks serving requests until Shutdown.
func (s *HTTPServer) Serve() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.srv.Shutdown(ctx)
}
