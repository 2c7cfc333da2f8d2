package wa

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/matheus3301/wpprelay/internal/bus"
	"github.com/matheus3301/wpprelay/internal/gateway"
	"go.uber.org/zap"
)

type linked struct {
	adapter *Adapter
	handler *EventHandler
}

// Driver is the embedded gateway: one whatsmeow client per instance,
// publishing inbound events on the bus and serving outbound calls.
type Driver struct {
	mu      sync.RWMutex
	links   map[string]*linked
	bus     *bus.Bus
	logger  *zap.Logger
	pairing sync.WaitGroup
}

var _ gateway.Client = (*Driver)(nil)

// NewDriver creates an empty driver.
func NewDriver(b *bus.Bus, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{links: make(map[string]*linked), bus: b, logger: logger}
}

// Add opens the device store of instance at dbPath and wires its events to
// the bus.
func (d *Driver) Add(ctx context.Context, instance, dbPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.links[instance]; ok {
		return fmt.Errorf("instance %q already added", instance)
	}
	a, err := NewAdapter(ctx, instance, dbPath, d.logger)
	if err != nil {
		return fmt.Errorf("instance %q: %w", instance, err)
	}
	h := NewEventHandler(instance, d.bus, a, d.logger)
	a.RegisterEventHandler(h.Handle)
	d.links[instance] = &linked{adapter: a, handler: h}
	return nil
}

// Instances returns the names of every added instance.
func (d *Driver) Instances() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.links))
	for name := range d.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect connects every paired instance and starts QR pairing for the
// rest. Pairing codes are published as QR code updates.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for name, l := range d.links {
		if l.adapter.IsLoggedIn() {
			if err := l.adapter.Connect(); err != nil {
				return fmt.Errorf("instance %q: %w", name, err)
			}
			continue
		}
		events, err := l.adapter.StartQRAuth(ctx, l.handler)
		if err != nil {
			return fmt.Errorf("instance %q: start pairing: %w", name, err)
		}
		d.pairing.Add(1)
		go d.watchPairing(name, events)
	}
	return nil
}

func (d *Driver) watchPairing(instance string, events <-chan AuthEvent) {
	defer d.pairing.Done()
	logger := d.logger.With(zap.String("instance", instance))
	for evt := range events {
		switch evt.Type {
		case AuthEventQRCode:
			logger.Info("waiting for QR code scan")
		case AuthEventAuthenticated:
			logger.Info("device paired")
		default:
			logger.Warn("pairing ended", zap.String("type", string(evt.Type)), zap.String("reason", evt.Message))
		}
	}
}

// Disconnect closes every client and waits for pending pairing flows.
func (d *Driver) Disconnect() {
	d.mu.RLock()
	for _, l := range d.links {
		l.adapter.Disconnect()
	}
	d.mu.RUnlock()
	d.pairing.Wait()
}

func (d *Driver) adapter(instance string) (*Adapter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.links[instance]
	if !ok {
		return nil, fmt.Errorf("%w: unknown instance %q", gateway.ErrGateway, instance)
	}
	return l.adapter, nil
}

func (d *Driver) SendText(ctx context.Context, instance, to, text string) (string, error) {
	a, err := d.adapter(instance)
	if err != nil {
		return "", err
	}
	id, err := a.SendText(ctx, to, text)
	return id, wrap(err)
}

func (d *Driver) SendMedia(ctx context.Context, instance string, req gateway.SendMediaRequest) (string, error) {
	a, err := d.adapter(instance)
	if err != nil {
		return "", err
	}
	id, err := a.SendMedia(ctx, req)
	return id, wrap(err)
}

func (d *Driver) MarkAsRead(ctx context.Context, instance string, keys []gateway.MessageKey) error {
	a, err := d.adapter(instance)
	if err != nil {
		return err
	}
	return wrap(a.MarkAsRead(ctx, keys))
}

func (d *Driver) MarkChatUnread(ctx context.Context, instance, remoteJID string) error {
	a, err := d.adapter(instance)
	if err != nil {
		return err
	}
	return wrap(a.MarkChatUnread(ctx, remoteJID))
}

func (d *Driver) FetchContactInfo(ctx context.Context, instance, jid string) (*gateway.ContactInfo, error) {
	a, err := d.adapter(instance)
	if err != nil {
		return nil, err
	}
	info, err := a.FetchContactInfo(ctx, jid)
	return info, wrap(err)
}

func (d *Driver) FetchGroupInfo(ctx context.Context, instance, jid string) (*gateway.GroupInfo, error) {
	a, err := d.adapter(instance)
	if err != nil {
		return nil, err
	}
	info, err := a.FetchGroupInfo(ctx, jid)
	return info, wrap(err)
}

func (d *Driver) DownloadMedia(ctx context.Context, instance string, req gateway.MediaRequest) ([]byte, error) {
	a, err := d.adapter(instance)
	if err != nil {
		return nil, err
	}
	data, err := a.DownloadMedia(ctx, req)
	return data, wrap(err)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", gateway.ErrGateway, err)
}
