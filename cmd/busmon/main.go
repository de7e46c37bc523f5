// Main package in busmon implements a command line tool that watches
// bus name ownership changes and writes them out as CSV.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/mdavidsaver/dbucket/auth"
	"github.com/mdavidsaver/dbucket/bus"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	busName = flag.String("bus", "session", "Which bus to use: session or system")
	reps    = flag.Int("reps", 0, "Stop after this many events, 0 means until interrupted")
	depth   = flag.Int("depth", 64, "Subscriber queue depth")
)

// row is one observed ownership change.
type row struct {
	Time     string `csv:"time"`
	Member   string `csv:"member"`
	Name     string `csv:"name"`
	OldOwner string `csv:"old_owner"`
	NewOwner string `csv:"new_owner"`
}

func endpoints() []auth.Endpoint {
	if *busName == "system" {
		return auth.SystemEndpoints()
	}
	return auth.SessionEndpoints()
}

func watch(ctx context.Context, conn *bus.Conn) []*row {
	q, err := conn.Subscribe(ctx, &bus.Condition{
		Sender:    bus.BusName,
		Interface: bus.BusName,
		Member:    "NameOwnerChanged",
	}, *depth)
	rtx.Must(err, "Could not subscribe to NameOwnerChanged")
	defer q.Close(context.Background())

	var rows []*row
	for *reps == 0 || len(rows) < *reps {
		ev, state, err := q.Recv(ctx)
		if err != nil {
			break
		}
		if state == bus.Overflow {
			log.Println("queue overflowed; some events were missed")
		}
		args, ok := ev.Body.([]any)
		if !ok || len(args) != 3 {
			log.Println("unexpected NameOwnerChanged body:", ev.Body)
			continue
		}
		name, _ := args[0].(string)
		oldOwner, _ := args[1].(string)
		newOwner, _ := args[2].(string)
		rows = append(rows, &row{
			Time:     time.Now().UTC().Format(time.RFC3339Nano),
			Member:   ev.Member,
			Name:     name,
			OldOwner: oldOwner,
			NewOwner: newOwner,
		})
	}
	return rows
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		cancel()
	}()

	conn, err := bus.Connect(ctx, endpoints())
	rtx.Must(err, "Could not connect to %s bus", *busName)
	defer conn.Close()
	log.Println("connected as", conn.Name())

	rows := watch(ctx, conn)
	rtx.Must(gocsv.Marshal(rows, os.Stdout), "Could not convert events to CSV")
}
