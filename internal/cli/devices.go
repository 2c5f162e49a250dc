package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/keepsakehq/keepsake/internal/storage/recordstore"
)

// DevicesCommand handles 'keepsake devices': list the devices syncing
// this collection. Only the record store keeps a device registry.
func DevicesCommand(args []string, configPath string) int {
	ctx := context.Background()
	sess, err := openSession(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer sess.close()

	rs, ok := sess.store.(*recordstore.Provider)
	if !ok {
		fmt.Fprintln(os.Stderr, "Error: the device registry is a record store feature")
		return 1
	}

	devices, err := rs.Devices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("No devices registered.")
		return 0
	}

	fmt.Printf("%-24s %-28s %s\n", "ID", "NAME", "LAST SEEN")
	for _, d := range devices {
		fmt.Printf("%-24s %-28s %s\n", d.ID, d.Name, d.LastSeen.Local().Format("2006-01-02 15:04"))
	}
	return 0
}
