package network

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/transport/v3"
	"go.uber.org/zap"
)

const ReasonAddressChange = "address-change"

// InterfaceSource lists local interfaces. stdnet.Net satisfies it.
type InterfaceSource interface {
	UpdateInterfaces() error
	Interfaces() ([]*transport.Interface, error)
}

// Watcher polls local interfaces and reports when the set of usable
// addresses changes, e.g. after a switch from wifi to cellular.
type Watcher struct {
	source   InterfaceSource
	clock    clock.Clock
	interval time.Duration
	notify   func(reason string)
	logger   *zap.SugaredLogger

	mu   sync.Mutex
	last []string
}

func NewWatcher(source InterfaceSource, clk clock.Clock, interval time.Duration, notify func(reason string), logger *zap.SugaredLogger) *Watcher {
	if clk == nil {
		clk = clock.New()
	}
	return &Watcher{
		source:   source,
		clock:    clk,
		interval: interval,
		notify:   notify,
		logger:   logger.With("component", "network_watcher"),
	}
}

// Run polls until ctx ends. The first poll only records a baseline.
func (w *Watcher) Run(ctx context.Context) {
	if _, err := w.Check(); err != nil {
		w.logger.Warnw("failed to read network interfaces", "error", err)
	}

	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.logger.Debugw("failed to read network interfaces", "error", err)
			}
		}
	}
}

// Check takes one snapshot and notifies if it differs from the previous
// one. The very first snapshot never notifies.
func (w *Watcher) Check() (bool, error) {
	current, err := w.addresses()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	previous := w.last
	w.last = current
	w.mu.Unlock()

	if previous == nil || equal(previous, current) {
		return false, nil
	}

	added, removed := diff(previous, current)
	w.logger.Infow("local addresses changed",
		"added", strings.Join(added, ","),
		"removed", strings.Join(removed, ","),
	)
	w.notify(ReasonAddressChange)
	return true, nil
}

// addresses returns the sorted global unicast addresses of up, non-loopback
// interfaces. Link-local addresses churn without affecting reachability.
func (w *Watcher) addresses() ([]string, error) {
	if err := w.source.UpdateInterfaces(); err != nil {
		return nil, err
	}
	ifaces, err := w.source.Interfaces()
	if err != nil {
		return nil, err
	}

	out := []string{}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if errors.Is(err, transport.ErrNoAddressAssigned) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			var ip net.IP
			switch a := addr.(type) {
			case *net.IPNet:
				ip = a.IP
			case *net.IPAddr:
				ip = a.IP
			}
			if ip == nil || !ip.IsGlobalUnicast() {
				continue
			}
			out = append(out, iface.Name+"/"+ip.String())
		}
	}
	sort.Strings(out)
	return out, nil
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func diff(previous, current []string) (added, removed []string) {
	prev := make(map[string]bool, len(previous))
	for _, a := range previous {
		prev[a] = true
	}
	cur := make(map[string]bool, len(current))
	for _, a := range current {
		cur[a] = true
		if !prev[a] {
			added = append(added, a)
		}
	}
	for _, a := range previous {
		if !cur[a] {
			removed = append(removed, a)
		}
	}
	return added, removed
}
