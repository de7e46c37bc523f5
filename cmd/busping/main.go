// Main package in busping implements a command line tool that measures
// method call round trip time against the bus daemon.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/mdavidsaver/dbucket/auth"
	"github.com/mdavidsaver/dbucket/bus"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	busName  = flag.String("bus", "session", "Which bus to use: session or system")
	reps     = flag.Int("reps", 10, "How many pings should be sent, 0 means continuous")
	interval = flag.Duration("interval", time.Second, "Delay between pings")
	promPort = flag.String("prom", "", "Prometheus metrics export address and port; empty disables export")

	ctx, cancel = context.WithCancel(context.Background())
)

func endpoints() []auth.Endpoint {
	if *busName == "system" {
		return auth.SystemEndpoints()
	}
	return auth.SessionEndpoints()
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")
	defer cancel()

	if *promPort != "" {
		promSrv := prometheusx.MustStartPrometheus(*promPort)
		defer promSrv.Shutdown(ctx)
	}

	conn, err := bus.Connect(ctx, endpoints())
	rtx.Must(err, "Could not connect to %s bus", *busName)
	defer conn.Close()
	log.Println("connected as", conn.Name())

	id, err := conn.GetId(ctx)
	rtx.Must(err, "GetId failed")
	log.Println("daemon id", id)

	for i := 0; *reps == 0 || i < *reps; i++ {
		start := time.Now()
		rtx.Must(conn.Ping(ctx, ""), "Ping failed")
		log.Printf("ping %d: %v", i, time.Since(start))
		time.Sleep(*interval)
	}
}
