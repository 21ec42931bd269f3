// Package cli provides an interactive command-line interface over a
// running framstore instance. It parses user commands and dispatches
// them to the KVS, ring, and versioned-slot subsystems.
package cli

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/scif-systems/framstore/internal/kvs"
	"github.com/scif-systems/framstore/internal/ring"
	"github.com/scif-systems/framstore/internal/vslot"
)

// Handler manages the command-line interface over a framstore
// instance's subsystems.
type Handler struct {
	kv      *kvs.Store
	log     *ring.Ring
	vslots  *vslot.Store
	scanner *bufio.Scanner
}

// NewHandler creates a Handler over the given subsystems. Any of them
// may be nil, in which case the commands that use it report an error
// instead of panicking.
func NewHandler(kv *kvs.Store, ringLog *ring.Ring, vs *vslot.Store) *Handler {
	return &Handler{
		kv:      kv,
		log:     ringLog,
		vslots:  vs,
		scanner: bufio.NewScanner(os.Stdin),
	}
}

// Run starts the interactive command loop, processing user input until
// an exit command is received or an error occurs.
func (h *Handler) Run() error {
	fmt.Println("framstore CLI")
	fmt.Println("Commands: PUT <key> <value>, GET <key>, DELETE <key>,")
	fmt.Println("          APPEND <payload>, PEEK OLDEST|NEWEST,")
	fmt.Println("          SAVE <payload>, LOAD, EXIT")
	fmt.Print("> ")

	for h.scanner.Scan() {
		line := strings.TrimSpace(h.scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		parts := strings.Fields(line)
		command := strings.ToUpper(parts[0])

		switch command {
		case "PUT":
			h.handlePut(parts)
		case "GET":
			h.handleGet(parts)
		case "DELETE":
			h.handleDelete(parts)
		case "APPEND":
			h.handleAppend(parts)
		case "PEEK":
			h.handlePeek(parts)
		case "SAVE":
			h.handleSave(parts)
		case "LOAD":
			h.handleLoad()
		case "EXIT", "QUIT":
			slog.Info("cli: shutdown requested by user")
			fmt.Println("Goodbye!")
			return nil
		default:
			slog.Warn("cli: unknown command received", "command", command)
			fmt.Printf("Unknown command: %s\n", command)
		}

		fmt.Print("> ")
	}

	if err := h.scanner.Err(); err != nil {
		return fmt.Errorf("cli: read input: %w", err)
	}
	return nil
}

func (h *Handler) handlePut(parts []string) {
	if len(parts) < 3 {
		fmt.Println("Usage: PUT <key> <value>")
		return
	}
	if h.kv == nil {
		fmt.Println("Error: kvs not configured")
		return
	}
	key := parts[1]
	value := strings.Join(parts[2:], " ")
	if err := h.kv.Set(key, []byte(value)); err != nil {
		slog.Error("cli: PUT failed", "key", key, "error", err)
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (h *Handler) handleGet(parts []string) {
	if len(parts) < 2 {
		fmt.Println("Usage: GET <key>")
		return
	}
	if h.kv == nil {
		fmt.Println("Error: kvs not configured")
		return
	}
	value, err := h.kv.Get(parts[1])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s\n", value)
}

func (h *Handler) handleDelete(parts []string) {
	if len(parts) < 2 {
		fmt.Println("Usage: DELETE <key>")
		return
	}
	if h.kv == nil {
		fmt.Println("Error: kvs not configured")
		return
	}
	if err := h.kv.Delete(parts[1]); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (h *Handler) handleAppend(parts []string) {
	if len(parts) < 2 {
		fmt.Println("Usage: APPEND <payload>")
		return
	}
	if h.log == nil {
		fmt.Println("Error: ring not configured")
		return
	}
	payload := strings.Join(parts[1:], " ")
	if err := h.log.Append([]byte(payload)); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (h *Handler) handlePeek(parts []string) {
	if len(parts) < 2 {
		fmt.Println("Usage: PEEK OLDEST|NEWEST")
		return
	}
	if h.log == nil {
		fmt.Println("Error: ring not configured")
		return
	}

	var entry ring.Entry
	var err error
	switch strings.ToUpper(parts[1]) {
	case "OLDEST":
		entry, err = h.log.PeekOldest()
	case "NEWEST":
		entry, err = h.log.PeekNewest()
	default:
		fmt.Println("Usage: PEEK OLDEST|NEWEST")
		return
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("seq=%d ts_us=%s payload=%s\n", entry.Seq, strconv.FormatUint(entry.TSMicro, 10), entry.Payload)
}

func (h *Handler) handleSave(parts []string) {
	if len(parts) < 2 {
		fmt.Println("Usage: SAVE <payload>")
		return
	}
	if h.vslots == nil {
		fmt.Println("Error: vslot not configured")
		return
	}
	payload := strings.Join(parts[1:], " ")
	if err := h.vslots.Save([]byte(payload)); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("OK (version %d)\n", h.vslots.Version())
}

func (h *Handler) handleLoad() {
	if h.vslots == nil {
		fmt.Println("Error: vslot not configured")
		return
	}
	payload, err := h.vslots.Load()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s\n", payload)
}
