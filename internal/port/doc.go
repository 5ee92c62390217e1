// Package port implements port availability checks for the dil launcher.
//
// The launcher owns exactly one fixed port (8000 by default) for the
// lifetime of a run. Before spawning the entry point it asks the OS,
// via net.Listen, whether that port can be bound. If it cannot, the run
// fails with a model.AddressInUseError. The package never picks a
// different port on its own: FindAvailablePort exists only to put a
// concrete suggestion in front of the operator.
package port
