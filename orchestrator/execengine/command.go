package execengine

import (
	"fmt"
	"strings"
)

const containerConfigPath = "/app/config.json"

// containerPort is the fixed in-container port every collection image
// listens on; only the host-side port varies per execution.
const containerPort = 8000

// renderCommand builds the deterministic, human-auditable command string
// recorded on the execution row. It documents what was asked of the host
// driver; the driver itself is invoked through the Docker SDK, not a shell,
// but the shape here must match what an operator would type by hand.
func renderCommand(executionID, stagedConfigPath, image, callbackBaseURL string, hostPort int, autoRemove bool, extraBinds []string) string {
	name := containerName(executionID)

	var b strings.Builder
	b.WriteString("docker run -d")
	fmt.Fprintf(&b, " --name %s --hostname %s", name, name)
	if autoRemove {
		b.WriteString(" --rm")
	}
	fmt.Fprintf(&b, " -v %s:%s:ro", stagedConfigPath, containerConfigPath)
	for _, bind := range extraBinds {
		fmt.Fprintf(&b, " -v %s", bind)
	}
	fmt.Fprintf(&b, " -e TASK_EXECUTION_ID=%s -e CONFIG_PATH=%s -e API_BASE_URL=%s", executionID, containerConfigPath, callbackBaseURL)
	fmt.Fprintf(&b, " -p %d:%d %s", hostPort, containerPort, image)
	return b.String()
}

// containerName is the deterministic container name fixed at execution
// creation: task-<execution-id>.
func containerName(executionID string) string {
	return "task-" + executionID
}
