package supervisor

import (
	"fmt"
	"strings"

	"github.com/chroniclehq/chronicle/internal/queue"
)

// multiQueueWorkers is how many general workers consume the
// transcription, memory, and default queues.
const multiQueueWorkers = 6

// StandardDefinitions builds the stock worker registry: six multi-queue
// workers, one audio-queue worker, and one stream consumer per configured
// streaming provider. binary is the chronicled executable path; each worker
// re-invokes it with a role flag.
func StandardDefinitions(binary string, streamProviders []string) []Definition {
	multiQueues := []string{queue.QueueTranscription, queue.QueueMemory, queue.QueueDefault}

	defs := make([]Definition, 0, multiQueueWorkers+1+len(streamProviders))
	for i := 1; i <= multiQueueWorkers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		defs = append(defs, Definition{
			Name:             name,
			Type:             TypeRQWorker,
			Queues:           multiQueues,
			RestartOnFailure: true,
			Command: []string{
				binary, "worker",
				"--name", name,
				"--queues", strings.Join(multiQueues, ","),
			},
		})
	}

	defs = append(defs, Definition{
		Name:             "audio-worker",
		Type:             TypeRQWorker,
		Queues:           []string{queue.QueueAudio},
		RestartOnFailure: true,
		Command: []string{
			binary, "worker",
			"--name", "audio-worker",
			"--queues", queue.QueueAudio,
		},
	})

	for _, provider := range streamProviders {
		defs = append(defs, Definition{
			Name:             "streamer-" + provider,
			Type:             TypeStreamConsumer,
			RestartOnFailure: true,
			Command: []string{
				binary, "streamer",
				"--provider", provider,
			},
		})
	}
	return defs
}
