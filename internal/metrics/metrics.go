package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	PositionsOpened  Counter
	PositionsClosed  Counter
	OrdersFailed     Counter
	Rollbacks        Counter
	UnresolvedHedges Counter
	CyclesSkipped    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		PositionsOpened:  n,
		PositionsClosed:  n,
		OrdersFailed:     n,
		Rollbacks:        n,
		UnresolvedHedges: n,
		CyclesSkipped:    n,
	}
}
