// Package testserver launches an application under test as a child process,
// waits until it serves traffic, and tears it down afterward, while making
// sure concurrent test runs that target the same port never start duplicate
// servers and never kill a server they did not start.
//
// A ServerBuilder produces an immutable LaunchPlan:
//
//	plan, err := testserver.NewScriptRunnerBuilder("node", "server.js").
//	    WithBaseURL("http://localhost:5050").
//	    WithHealthCheckEndpoints("/", "/health").
//	    WithStartupTimeout(30 * time.Second).
//	    WithStreamOutput(true).
//	    Build()
//
// The Orchestrator deduplicates start requests per port with a named
// cross-process mutex. The caller that takes the mutex launches the process
// and owns it; every other caller waits for the server to answer and gets a
// non-owner handle whose Stop leaves the process alone:
//
//	func TestMain(m *testing.M) {
//	    h, err := testserver.Shared().Start(context.Background(), plan)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    baseURL = h.URL()
//	    code := m.Run()
//	    testserver.Shared().Stop()
//	    os.Exit(code)
//	}
//
// # Ownership
//
// Only the process that spawned a server may terminate it. The mutex handles
// races between processes; the owner flag on ServerHandle handles the
// asymmetry that another party's tests may still depend on a server this
// process merely joined. The mutex is released by the OS if the owner dies.
//
// # Failures
//
// Start returns one of a small set of typed errors: ConfigurationError (the
// plan cannot be launched), LaunchError (the OS refused the spawn or the
// child exited before it became ready), ReadinessTimeoutError (started but
// never ready), or OwnershipTimeoutError (someone else owns the port and
// their server never appeared). Cancellation is reported as an error
// wrapping ctx.Err(), never as a timeout.
//
// Plans can also be loaded from YAML with LoadPlanFile, and Manager starts
// several plans concurrently.
package testserver
