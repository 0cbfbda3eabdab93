// Script seed pushes sample jobs to the API for development.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/derekleverenz/apalis/pkg/client"
)

func main() {
	apiURL := getEnv("API_URL", "http://localhost:8080")
	c := client.New(apiURL)
	ctx := context.Background()

	jobTypes := []string{"default", "compute", "notify"}
	for i := 0; i < 20; i++ {
		jobType := jobTypes[i%len(jobTypes)]
		payload, _ := json.Marshal(map[string]interface{}{
			"seed":       true,
			"index":      i,
			"iterations": 1000,
		})

		id, err := c.PushJob(ctx, &client.PushJobRequest{
			Type:        jobType,
			Payload:     payload,
			MaxAttempts: 3,
		})
		if err != nil {
			log.Printf("failed to push job %d: %v", i, err)
			continue
		}
		fmt.Printf("pushed job %s (type=%s)\n", id, jobType)
	}

	// A few delayed jobs to exercise the scheduled path.
	runAt := time.Now().Add(30 * time.Second)
	for i := 0; i < 3; i++ {
		id, err := c.PushJob(ctx, &client.PushJobRequest{
			Type:        "notify",
			Payload:     json.RawMessage(`{"channel":"slack","message":"delayed hello"}`),
			MaxAttempts: 2,
			RunAt:       &runAt,
		})
		if err != nil {
			log.Printf("failed to push delayed job %d: %v", i, err)
			continue
		}
		fmt.Printf("pushed delayed job %s (run_at=%s)\n", id, runAt.Format(time.RFC3339))
	}

	// A deduplicated job; pushing it twice returns the same id.
	dedupID, err := c.PushJob(ctx, &client.PushJobRequest{
		Type:        "default",
		Payload:     json.RawMessage(`{"seed":true}`),
		MaxAttempts: 3,
		DedupKey:    "seed-unique",
	})
	if err != nil {
		log.Fatalf("failed to push deduplicated job: %v", err)
	}
	fmt.Printf("pushed deduplicated job %s (dedup_key=seed-unique)\n", dedupID)

	fmt.Println("\nseed complete: 20 jobs + 3 delayed + 1 deduplicated")
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
