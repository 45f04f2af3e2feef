package protocol

// Sink receives rendering instructions and completion signals.
type Sink interface {
	// Output renders one line of normal output.
	Output(text string)
	// Text renders raw backend text verbatim.
	Text(text string)
	// ErrorOutput renders one line of error-styled output.
	ErrorOutput(text string)
	// Complete signals that the backend ended the run.
	Complete(reason string)
}

// Completion reasons passed to Sink.Complete.
const (
	ReasonSentinel = "sentinel"
	ReasonError    = "error"
	ReasonPhrase   = "phrase"
)

// Dispatcher classifies inbound frames and forwards them to a Sink.
type Dispatcher struct {
	classifier Classifier
	sink       Sink
}

// NewDispatcher creates a dispatcher writing to sink.
func NewDispatcher(classifier Classifier, sink Sink) *Dispatcher {
	return &Dispatcher{classifier: classifier, sink: sink}
}

// Dispatch handles one raw frame: render first, then signal completion.
// It returns the classification for logging.
func (d *Dispatcher) Dispatch(raw string) Frame {
	f := d.classifier.Classify(raw)

	switch f.Kind {
	case FrameHandshake:
		// Never rendered.
	case FrameComplete:
		d.sink.Complete(ReasonSentinel)
	case FrameError:
		d.sink.ErrorOutput(f.Text)
		d.sink.Complete(ReasonError)
	case FrameOutput:
		d.sink.Output(f.Text)
	case FrameStderr:
		d.sink.ErrorOutput(f.Text)
	case FrameText:
		d.sink.Text(f.Text)
		if f.Completes {
			d.sink.Complete(ReasonPhrase)
		}
	}

	return f
}
