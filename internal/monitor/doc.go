// Package monitor contains the supervision core: it drives several
// independent long-lived protocol sessions concurrently, reconnects each one
// after failures without disturbing its siblings, contains panics per
// monitor, and preemptively drops sessions when stack usage gets close to
// the worker budget.
//
// The package is deliberately protocol-agnostic. Concrete protocols plug in
// through the Adapter/Session interfaces (see internal/adapters), and
// event semantics live behind the Handler interface (see internal/rules).
package monitor
