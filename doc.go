// Package conductor provides a distributed hardware-in-the-loop test
// orchestrator.
//
// Test cases declare the targets they need through boolean filter
// expressions; the resolver turns those declarations into candidate
// target groups, allocation brokers grant whole groups atomically under
// priority and keepalive rules, and the dispatcher runs each granted
// group's payload while reporting incremental progress.
//
// Conductor is designed to be embedded in host applications. End-users
// typically interact with the engine via the high-level Service facade
// exposed by the root package:
//
//	srv, _ := conductor.New(conductor.WithInventorySources("targets.yaml"))
//	rt := srv.Runtime()
//	_ = rt.LoadInventory(ctx)
//	_ = rt.Start(ctx)
//	tc, _ := rt.LoadTestCase(ctx, "tests/boot.yaml")
//	units, _ := rt.Run(ctx, time.Minute, tc)
//
// For more details see the README and individual sub-packages.
package conductor
