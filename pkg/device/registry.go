package device

import (
	"sync"

	"github.com/kaihe/kstack/internal/errx"
	"github.com/kaihe/kstack/pkg/pbuf"
)

// Dispatcher receives an inbound buffer handed up by a driver's RX call.
// It returns true if some upper-layer protocol accepted the packet; a
// false return means the caller must free pb and count it as dropped,
// per spec.md 4.2 ("If no handler accepts, the PB is freed and counters
// advanced"). pkg/link registers itself here as the Ethernet dispatcher.
type Dispatcher func(pb *pbuf.Buffer, dev *Device) bool

// Registry is the device layer's single table of registered devices,
// guarded by one coarse lock (spec.md 5: "one coarse lock per table").
type Registry struct {
	mu         sync.Mutex
	byName     map[string]*Device
	byIndex    map[int]*Device
	nextIndex  int
	dispatcher Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*Device),
		byIndex:   make(map[int]*Device),
		nextIndex: 1,
	}
}

// SetDispatcher installs the RX dispatcher (pkg/link, in practice). Must be
// called before devices start receiving traffic.
func (r *Registry) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = d
}

// Register assigns dev the next monotonic interface index and adds it to
// the table. dev starts Down.
func (r *Registry) Register(dev *Device) (int, error) {
	if len(dev.Name) == 0 || len(dev.Name) > MaxNameLength {
		return 0, ErrNameTooLong
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[dev.Name]; exists {
		return 0, errx.With(ErrNameTaken, ": %q", dev.Name)
	}
	dev.Index = r.nextIndex
	r.nextIndex++
	dev.setState(Down)
	r.byName[dev.Name] = dev
	r.byIndex[dev.Index] = dev
	return dev.Index, nil
}

// Unregister flushes the device's queues (stopping it first, if still up)
// and removes it from the table.
func (r *Registry) Unregister(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byIndex[dev.Index]; !exists {
		return ErrDeviceNotFound
	}
	if dev.IsUp() && dev.Driver != nil {
		_ = dev.Driver.Stop(dev)
		dev.setState(Down)
	}
	delete(r.byName, dev.Name)
	delete(r.byIndex, dev.Index)
	return nil
}

// Open brings dev up via the driver vtable.
func (r *Registry) Open(dev *Device) error {
	if dev.Driver == nil {
		return ErrNoDriver
	}
	if err := dev.Driver.Open(dev); err != nil {
		return err
	}
	dev.setState(Up)
	return nil
}

// Close brings dev down via the driver vtable.
func (r *Registry) Close(dev *Device) error {
	if dev.Driver == nil {
		return ErrNoDriver
	}
	if err := dev.Driver.Stop(dev); err != nil {
		return err
	}
	dev.setState(Down)
	return nil
}

// Xmit hands pb to dev's driver, per spec.md 4.2: invoked only when the
// device is Up; otherwise pb is freed and counters advanced.
func (r *Registry) Xmit(pb *pbuf.Buffer, dev *Device) (Verdict, error) {
	if !dev.IsUp() {
		dev.Stats.TxDropped.Add(1)
		pb.Free()
		return Dropped, ErrDeviceDown
	}
	if dev.Driver == nil {
		dev.Stats.TxDropped.Add(1)
		pb.Free()
		return Dropped, ErrNoDriver
	}

	n := uint64(pb.Len())
	verdict, err := dev.Driver.StartXmit(pb, dev)
	switch verdict {
	case Ok:
		dev.Stats.TxPackets.Add(1)
		dev.Stats.TxBytes.Add(n)
	case Busy:
		// Caller's responsibility to re-queue or drop; no counters moved.
	case Dropped:
		dev.Stats.TxDropped.Add(1)
	}
	return verdict, err
}

// RX is called by a driver with an inbound buffer; ownership passes to the
// registered dispatcher. If nothing claims it, it is freed and counted.
func (r *Registry) RX(pb *pbuf.Buffer, dev *Device) {
	dev.Stats.RxPackets.Add(1)
	dev.Stats.RxBytes.Add(uint64(pb.Len()))

	r.mu.Lock()
	dispatch := r.dispatcher
	r.mu.Unlock()

	if dispatch == nil || !dispatch(pb, dev) {
		dev.Stats.RxDropped.Add(1)
		pb.Free()
	}
}

func (r *Registry) GetByName(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) GetByIndex(ix int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byIndex[ix]
	return d, ok
}

func (r *Registry) ListAll() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.byIndex))
	for _, d := range r.byIndex {
		out = append(out, d)
	}
	return out
}
