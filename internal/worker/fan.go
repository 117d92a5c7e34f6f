package worker

import (
	"io"
	"sync"
)

// fanWriter broadcasts child output chunks to a set of consumers: an
// optional rotated file sink, an optional local echo, and dynamically
// attached subscribers (control-plane log streams). Subscribers are
// detached only through their cancel func; sink errors are ignored.
type fanWriter struct {
	mu      sync.Mutex
	sink    io.WriteCloser
	echo    io.Writer
	prefix  []byte
	subs    map[int]func([]byte)
	nextSub int
}

func newFanWriter(sink io.WriteCloser, echo io.Writer, prefix string) *fanWriter {
	var p []byte
	if prefix != "" {
		p = []byte("[" + prefix + "] ")
	}
	return &fanWriter{
		sink:   sink,
		echo:   echo,
		prefix: p,
		subs:   make(map[int]func([]byte)),
	}
}

// Write implements io.Writer for exec.Cmd stdout/stderr.
func (f *fanWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	sink := f.sink
	echo := f.echo
	var fns []func([]byte)
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	if sink != nil {
		_, _ = sink.Write(p)
	}
	if echo != nil {
		if len(f.prefix) > 0 {
			_, _ = echo.Write(f.prefix)
		}
		_, _ = echo.Write(p)
	}
	if len(fns) > 0 {
		// subscribers own the copy; the exec pipe buffer is reused
		cp := make([]byte, len(p))
		copy(cp, p)
		for _, fn := range fns {
			fn(cp)
		}
	}
	return len(p), nil
}

// Subscribe attaches fn to every future chunk. The returned cancel detaches
// it; it must be called on client disconnect.
func (f *fanWriter) Subscribe(fn func([]byte)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fanWriter) closeQuiet() { _ = f.Close() }

// Close closes the file sink, if any.
func (f *fanWriter) Close() error {
	f.mu.Lock()
	sink := f.sink
	f.sink = nil
	f.mu.Unlock()
	if sink != nil {
		return sink.Close()
	}
	return nil
}
