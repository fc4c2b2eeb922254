// Package phase defines the ordered processing stages interceptors run in.
//
// A Registry is a strict total order of phase names. Interceptor chains sort
// by registry position first and by explicit before/after constraints second.
// Registries are changed only while the runtime boots:
//
//	reg := phase.MustRegistry(phase.Receive, phase.Unmarshal, phase.Invoke)
//	if err := reg.Add("audit", phase.After(phase.Receive)); err != nil {
//		return err
//	}
//
// Manager pairs the inbound and outbound registries; NewManager returns the
// standard receive-to-invoke and setup-to-send phase lists.
package phase
