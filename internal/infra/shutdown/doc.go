// Package shutdown coordinates process termination.
//
// A Handler waits for SIGINT or SIGTERM (or an explicit Trigger), then runs
// the registered hooks in reverse order of registration under one overall
// timeout. SIGHUP runs the reload hooks instead and keeps waiting.
//
//	h := shutdown.NewHandler(30*time.Second, logger)
//	h.OnShutdown("server", srv.Shutdown)
//	h.OnReload(reloadConfig)
//	err := h.Wait(ctx)
package shutdown
