// Command btchat is a one-to-one chat over an RFCOMM (Bluetooth SPP) link.
//
// Prerequisites (bluez transport)
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - Most environments require sudo for RegisterProfile.
//   - Pairing with an unpaired device needs a registered BlueZ Agent
//     (e.g. a running `bluetoothctl` session).
//
// Usage
//
//	btchat scan --timeout 15s
//	    Lists devices advertising the chat service UUID.
//
//	btchat chat
//	    Waits for a peer to connect. Lines typed on stdin are sent as-is,
//	    received bytes are printed.
//
//	btchat chat --peer AA:BB:CC:DD:EE:FF
//	    Also dials the peer; whichever side connects first wins.
//
//	btchat chat --transport tcp --listen-addr :7777 --peer 192.168.1.20:7777
//	    Same state machine over TCP, for machines without Bluetooth.
//
// Settings can also come from a YAML file passed with --config; flags win.
// `btchat config` prints the merged result.
// Ctrl-C stops the manager and exits.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
