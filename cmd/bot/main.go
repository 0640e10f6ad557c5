// Command bot is a scripted exerciser: it creates (or joins) a session and
// drives a small random workload of spawn timers, tree reports and health
// updates while logging everything the server pushes back.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"grovesync/internal/client"
	"grovesync/internal/state"
)

var treeTypes = []string{"oak", "birch", "spruce", "willow", "yew", "maple"}

func main() {
	var (
		httpURL = flag.String("http", "http://localhost:8080", "server http base url")
		wsURL   = flag.String("ws", "ws://localhost:8080/v1/ws", "server ws url")
		code    = flag.String("session", "", "session code (empty creates a new session)")
		worlds  = flag.Int("worlds", 77, "world count to play in")
		period  = flag.Duration("period", 2*time.Second, "time between scripted actions")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	sessionCode := strings.ToUpper(strings.TrimSpace(*code))
	if sessionCode == "" {
		var err error
		sessionCode, err = createSession(*httpURL)
		if err != nil {
			logger.Fatalf("create session: %v", err)
		}
		logger.Printf("created session %s", sessionCode)
	}

	c := client.New(client.Options{
		URL:    *wsURL,
		Code:   sessionCode,
		Logger: logger,
		OnSnapshot: func(ws state.WorldStates) {
			logger.Printf("snapshot: %d active worlds", len(ws))
		},
		OnWorldUpdate: func(id int, st *state.WorldState) {
			if st == nil {
				logger.Printf("world %d cleared", id)
				return
			}
			logger.Printf("world %d -> %s type=%q health=%d", id, st.TreeStatus, st.TreeType, st.Health)
		},
		OnClientCount: func(n int) {
			logger.Printf("clients in session: %d", n)
		},
		OnSessionClosed: func(reason string) {
			logger.Printf("session closed: %s", reason)
		},
		OnStateChange: func(s client.ConnState) {
			logger.Printf("link: %s", s)
		},
	})
	c.Start()
	defer c.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	t := time.NewTicker(*period)
	defer t.Stop()

	seeded := false
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if c.State() != client.StateConnected {
				continue
			}
			if !seeded {
				seeded = c.SeedWorlds(seedWorlds(*worlds))
				continue
			}
			act(c, *worlds)
		}
	}
}

// seedWorlds fabricates a handful of plausible starting records.
func seedWorlds(worldCount int) state.WorldStates {
	seed := make(state.WorldStates)
	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		id := 1 + rand.Intn(worldCount)
		seed[id] = state.WorldState{
			TreeStatus: state.StatusAlive,
			TreeType:   treeTypes[rand.Intn(len(treeTypes))],
			Health:     5 * (1 + rand.Intn(20)),
			TreeSetAt:  now,
			MatureAt:   now,
		}
	}
	return seed
}

// act picks one scripted action against a random world.
func act(c *client.Client, worldCount int) {
	id := 1 + rand.Intn(worldCount)
	switch rand.Intn(5) {
	case 0:
		c.SetSpawnTimer(id, time.Duration(1+rand.Intn(30))*time.Minute, "near the bank")
	case 1:
		c.SetTreeInfo(id, state.TreeInfo{
			TreeType: treeTypes[rand.Intn(len(treeTypes))],
			Hint:     "west side",
			Health:   5 * (1 + rand.Intn(20)),
		})
	case 2:
		h := 5 * (1 + rand.Intn(20))
		c.UpdateHealth(id, &h)
	case 3:
		tt := treeTypes[rand.Intn(len(treeTypes))]
		c.UpdateTreeFields(id, state.TreeFields{TreeType: &tt})
	case 4:
		c.MarkDead(id)
	}
}

func createSession(base string) (string, error) {
	resp, err := http.Post(base+"/session", "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Code, nil
}
