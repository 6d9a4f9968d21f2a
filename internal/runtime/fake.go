package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexos-labs/watchtower-agent/internal/faults"
)

// Fake is an in-memory Adapter for tests. Error fields, when set, are
// returned by the corresponding method; PullErrs entries are consumed
// one per call so retry behaviour can be scripted.
type Fake struct {
	mu         sync.Mutex
	containers map[string]Details
	digests    map[string]string
	images     []Image
	nextID     int

	ListErr     error
	InspectErr  map[string]error
	PullErrs    map[string][]error
	StopErr     error
	StartErr    error
	StartErrFor map[string]error
	RestartErr  error
	CreateErr   error
	RemoveErr   error
	PingErr     error

	// OnPull, when set, runs at the start of every Pull, outside the
	// lock. Lets tests interleave work with an in-flight operation.
	OnPull func()

	// Ops records each mutating call as "op id" in order.
	Ops []string
}

var _ Adapter = (*Fake)(nil)

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		containers:  make(map[string]Details),
		digests:     make(map[string]string),
		InspectErr:  make(map[string]error),
		PullErrs:    make(map[string][]error),
		StartErrFor: make(map[string]error),
	}
}

// Add registers a container, filling in an ID if the caller left it
// empty, and returns the ID.
func (f *Fake) Add(d Details) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.ID == "" {
		f.nextID++
		d.ID = fmt.Sprintf("ctr-%04d", f.nextID)
	}
	if d.Status == "" {
		if d.Running {
			d.Status = "running"
		} else {
			d.Status = "exited"
		}
	}
	f.containers[d.ID] = d
	return d.ID
}

// SetDigest sets the digest Pull and Inspect resolve for imageRef.
func (f *Fake) SetDigest(imageRef, digest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests[imageRef] = digest
}

// SetImages sets the host image listing.
func (f *Fake) SetImages(images []Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = images
}

// QueuePullErr appends an error returned by the next Pull of imageRef.
func (f *Fake) QueuePullErr(imageRef string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PullErrs[imageRef] = append(f.PullErrs[imageRef], err)
}

// Get returns the stored details for id.
func (f *Fake) Get(id string) (Details, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.containers[id]
	return d, ok
}

func (f *Fake) record(op, id string) {
	f.Ops = append(f.Ops, op+" "+id)
}

func (f *Fake) List(ctx context.Context) ([]Summary, []Diagnostic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, nil, f.ListErr
	}
	out := make([]Summary, 0, len(f.containers))
	for _, d := range f.containers {
		out = append(out, d.Summary)
	}
	return out, nil, nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.InspectErr[id]; err != nil {
		return Details{}, err
	}
	d, ok := f.containers[id]
	if !ok {
		return Details{}, faults.New(faults.NotFound, "no such container: "+id)
	}
	if d.ImageDigest == "" {
		d.ImageDigest = f.digests[d.ImageRef]
	}
	return d, nil
}

func (f *Fake) Pull(ctx context.Context, imageRef string) (string, error) {
	if f.OnPull != nil {
		f.OnPull()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull", imageRef)
	if errs := f.PullErrs[imageRef]; len(errs) > 0 {
		err := errs[0]
		f.PullErrs[imageRef] = errs[1:]
		return "", err
	}
	digest, ok := f.digests[imageRef]
	if !ok {
		return "", faults.New(faults.NotFound, "pull "+imageRef)
	}
	return digest, nil
}

func (f *Fake) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", id)
	if f.StopErr != nil {
		return f.StopErr
	}
	if d, ok := f.containers[id]; ok {
		d.Running = false
		d.Status = "exited"
		f.containers[id] = d
	}
	return nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", id)
	if err := f.StartErrFor[id]; err != nil {
		return err
	}
	if f.StartErr != nil {
		return f.StartErr
	}
	d, ok := f.containers[id]
	if !ok {
		return faults.New(faults.NotFound, "no such container: "+id)
	}
	d.Running = true
	d.Status = "running"
	f.containers[id] = d
	return nil
}

func (f *Fake) Restart(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("restart", id)
	if f.RestartErr != nil {
		return f.RestartErr
	}
	d, ok := f.containers[id]
	if !ok {
		return faults.New(faults.NotFound, "no such container: "+id)
	}
	d.Running = true
	d.Status = "running"
	f.containers[id] = d
	return nil
}

func (f *Fake) Create(ctx context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", spec.Name)
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%04d", f.nextID)
	f.containers[id] = Details{
		Summary: Summary{
			ID:       id,
			Name:     spec.Name,
			ImageRef: spec.ImageRef,
			Status:   "created",
			Labels:   spec.Labels,
		},
		ImageDigest:   f.digests[spec.ImageRef],
		Env:           spec.Env,
		Cmd:           spec.Cmd,
		Entrypoint:    spec.Entrypoint,
		Binds:         spec.Binds,
		Ports:         spec.Ports,
		ExposedPorts:  spec.ExposedPorts,
		NetworkMode:   spec.NetworkMode,
		RestartPolicy: spec.RestartPolicy,
	}
	return id, nil
}

func (f *Fake) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove", id)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) RemoveImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rmi", ref)
	return nil
}

func (f *Fake) Images(ctx context.Context) ([]Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Image(nil), f.images...), nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

func (f *Fake) Close() error { return nil }
