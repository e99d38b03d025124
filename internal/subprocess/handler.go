package subprocess

// Handler receives subprocess events. All methods run on the reactor
// goroutine and may call any Subprocess method, including Destroy.
type Handler interface {
	// OnOutput is called when new data or EOF is available on a readable
	// stream. Data is drained with Read, ReadLine or ReadTrimmedLine.
	OnOutput(p *Subprocess, stream string)
	// OnCompletion is called exactly once, after the child was reaped and
	// every readable stream reached EOF.
	OnCompletion(p *Subprocess)
	// OnException reports asynchronous failures: stream I/O errors and
	// exit timeouts.
	OnException(p *Subprocess, err error)
}

// StateHandler is implemented by handlers that want lifecycle transitions.
type StateHandler interface {
	OnStateChange(p *Subprocess, state State)
}

// HandlerFuncs adapts plain functions to Handler and StateHandler. Nil
// fields are ignored. Stdout and Stderr receive their standard streams;
// Channel receives every other readable stream.
type HandlerFuncs struct {
	Stdout      func(p *Subprocess, stream string)
	Stderr      func(p *Subprocess, stream string)
	Channel     func(p *Subprocess, stream string)
	Completion  func(p *Subprocess)
	Exception   func(p *Subprocess, err error)
	StateChange func(p *Subprocess, state State)
}

var (
	_ Handler      = HandlerFuncs{}
	_ StateHandler = HandlerFuncs{}
)

func (h HandlerFuncs) OnOutput(p *Subprocess, stream string) {
	var fn func(*Subprocess, string)
	switch stream {
	case StreamStdout:
		fn = h.Stdout
	case StreamStderr:
		fn = h.Stderr
	default:
		fn = h.Channel
	}
	if fn != nil {
		fn(p, stream)
	}
}

func (h HandlerFuncs) OnCompletion(p *Subprocess) {
	if h.Completion != nil {
		h.Completion(p)
	}
}

func (h HandlerFuncs) OnException(p *Subprocess, err error) {
	if h.Exception != nil {
		h.Exception(p, err)
	}
}

func (h HandlerFuncs) OnStateChange(p *Subprocess, state State) {
	if h.StateChange != nil {
		h.StateChange(p, state)
	}
}
