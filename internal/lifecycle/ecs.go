package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/sony/gobreaker"

	"github.com/agentcloud/workspace/internal/agent"
	"github.com/agentcloud/workspace/internal/models"
)

// startedByTag marks tasks launched by this service so ListWorkspaceContainers
// never touches unrelated tasks in a shared cluster.
const startedByTag = "workspace-orchestrator"

// ECSBackend launches each sandbox as a Fargate task with two containers in
// one network namespace: the agent (port 8088) and the credential-injection
// proxy sidecar (port 8089). The orchestrator reaches both over the task
// ENI's private IP.
//
// Control-plane calls go through a circuit breaker: when the ECS API starts
// failing, requests fail fast instead of piling retries onto it.
type ECSBackend struct {
	client         *ecs.Client
	cluster        string
	taskDefinition string
	subnets        []string
	securityGroups []string
	agentPort      int
	proxyPort      int
	startupTO      time.Duration
	breaker        *gobreaker.CircuitBreaker
}

// ECSOptions configures the remote backend.
type ECSOptions struct {
	Cluster        string
	TaskDefinition string
	Subnets        []string
	SecurityGroups []string
	AgentPort      int
	ProxyPort      int
	StartupTimeout time.Duration
}

// NewECSBackend wraps an ECS API client.
func NewECSBackend(client *ecs.Client, opts ECSOptions) *ECSBackend {
	if opts.AgentPort == 0 {
		opts.AgentPort = 8088
	}
	if opts.ProxyPort == 0 {
		opts.ProxyPort = 8089
	}
	if opts.StartupTimeout == 0 {
		opts.StartupTimeout = 3 * time.Minute
	}
	return &ECSBackend{
		client:         client,
		cluster:        opts.Cluster,
		taskDefinition: opts.TaskDefinition,
		subnets:        opts.Subnets,
		securityGroups: opts.SecurityGroups,
		agentPort:      opts.AgentPort,
		proxyPort:      opts.ProxyPort,
		startupTO:      opts.StartupTimeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ecs-control-plane",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (b *ECSBackend) ManagerType() models.ManagerType { return models.ManagerRemote }

// ProxyEndpoint returns the sidecar admin address for a container.
func (b *ECSBackend) ProxyEndpoint(c *models.Container) string {
	host := c.Endpoint
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return fmt.Sprintf("%s:%d", host, b.proxyPort)
}

// Create launches the task and waits for RUNNING plus agent readiness.
func (b *ECSBackend) Create(ctx context.Context, id, conversationID string) (*models.Container, error) {
	out, err := b.call(func() (any, error) {
		return b.client.RunTask(ctx, &ecs.RunTaskInput{
			Cluster:        aws.String(b.cluster),
			TaskDefinition: aws.String(b.taskDefinition),
			Count:          aws.Int32(1),
			LaunchType:     ecstypes.LaunchTypeFargate,
			StartedBy:      aws.String(startedByTag),
			NetworkConfiguration: &ecstypes.NetworkConfiguration{
				AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
					Subnets:        b.subnets,
					SecurityGroups: b.securityGroups,
					AssignPublicIp: ecstypes.AssignPublicIpDisabled,
				},
			},
			Tags: []ecstypes.Tag{
				{Key: aws.String(LabelWorkspace), Value: aws.String("true")},
				{Key: aws.String(LabelContainerID), Value: aws.String(id)},
				{Key: aws.String(LabelConversation), Value: aws.String(conversationID)},
			},
			Overrides: &ecstypes.TaskOverride{
				ContainerOverrides: []ecstypes.ContainerOverride{{
					Name: aws.String("agent"),
					Environment: []ecstypes.KeyValuePair{
						{Name: aws.String("AGENT_TRANSPORT"), Value: aws.String("tcp")},
						{Name: aws.String("CONTAINER_ID"), Value: aws.String(id)},
						{Name: aws.String("CONVERSATION_ID"), Value: aws.String(conversationID)},
					},
				}},
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ecs run task: %w", err)
	}
	runOut := out.(*ecs.RunTaskOutput)
	if len(runOut.Tasks) == 0 {
		reason := "no task started"
		if len(runOut.Failures) > 0 {
			reason = aws.ToString(runOut.Failures[0].Reason)
		}
		return nil, &StartupError{ContainerID: id, Reason: reason}
	}
	taskARN := aws.ToString(runOut.Tasks[0].TaskArn)

	ip, err := b.waitForTaskIP(ctx, taskARN)
	if err != nil {
		b.stopQuiet(taskARN, "startup failure")
		return nil, &StartupError{ContainerID: id, Reason: err.Error(), Cause: err}
	}

	c := &models.Container{
		ID:             id,
		ConversationID: conversationID,
		State:          models.StateCreating,
		Endpoint:       fmt.Sprintf("%s:%d", ip, b.agentPort),
		ManagerType:    models.ManagerRemote,
		TaskHandle:     taskARN,
		CreatedAt:      time.Now(),
		LastUsedAt:     time.Now(),
	}

	ready, err := b.WaitForAgentReady(ctx, c, b.startupTO)
	if err != nil || !ready {
		logs, _ := b.GetLogs(context.Background(), id, 50)
		b.stopQuiet(taskARN, "agent never became ready")
		reason := "agent readiness timeout"
		if err != nil {
			reason = err.Error()
		}
		return nil, &StartupError{ContainerID: id, Reason: reason, Logs: logs, Cause: err}
	}

	c.State = models.StateIdle
	slog.Info("Sandbox created", "container_id", id, "conversation_id", conversationID,
		"backend", "remote", "task", taskARN)
	return c, nil
}

// waitForTaskIP polls DescribeTasks until the task reaches RUNNING and its
// ENI has a private address. A task that lands in STOPPED first is an early
// termination.
func (b *ECSBackend) waitForTaskIP(ctx context.Context, taskARN string) (string, error) {
	deadline := time.Now().Add(b.startupTO)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		task, err := b.describeTask(ctx, taskARN)
		if err != nil {
			return "", err
		}
		switch aws.ToString(task.LastStatus) {
		case "STOPPED", "DEPROVISIONING", "DELETED":
			return "", fmt.Errorf("task stopped during startup: %s", aws.ToString(task.StoppedReason))
		case "RUNNING":
			if ip := taskPrivateIP(task); ip != "" {
				return ip, nil
			}
		}
	}
	return "", errors.New("task never reached RUNNING")
}

func taskPrivateIP(task *ecstypes.Task) string {
	for _, att := range task.Attachments {
		if aws.ToString(att.Type) != "ElasticNetworkInterface" {
			continue
		}
		for _, detail := range att.Details {
			if aws.ToString(detail.Name) == "privateIPv4Address" {
				return aws.ToString(detail.Value)
			}
		}
	}
	return ""
}

func (b *ECSBackend) describeTask(ctx context.Context, taskARN string) (*ecstypes.Task, error) {
	out, err := b.call(func() (any, error) {
		return b.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(b.cluster),
			Tasks:   []string{taskARN},
			Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ecs describe task: %w", err)
	}
	descOut := out.(*ecs.DescribeTasksOutput)
	if len(descOut.Tasks) == 0 {
		return nil, fmt.Errorf("task %s not found", taskARN)
	}
	return &descOut.Tasks[0], nil
}

// Destroy stops the task via the scheduler's stop API. A missing task logs
// a warning and succeeds.
func (b *ECSBackend) Destroy(ctx context.Context, c *models.Container, grace time.Duration) error {
	if c.TaskHandle == "" {
		slog.Warn("Destroy without task handle", "container_id", c.ID)
		return nil
	}
	_, err := b.call(func() (any, error) {
		return b.client.StopTask(ctx, &ecs.StopTaskInput{
			Cluster: aws.String(b.cluster),
			Task:    aws.String(c.TaskHandle),
			Reason:  aws.String("workspace destroy"),
		})
	})
	if err != nil {
		if isTaskGone(err) {
			slog.Warn("Destroy of unknown task", "container_id", c.ID, "task", c.TaskHandle)
			return nil
		}
		return fmt.Errorf("ecs stop task: %w", err)
	}
	slog.Info("Sandbox destroyed", "container_id", c.ID, "backend", "remote", "task", c.TaskHandle)
	return nil
}

func isTaskGone(err error) bool {
	var iae *ecstypes.InvalidParameterException
	if errors.As(err, &iae) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "was not found")
}

func (b *ECSBackend) stopQuiet(taskARN, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = b.call(func() (any, error) {
		return b.client.StopTask(ctx, &ecs.StopTaskInput{
			Cluster: aws.String(b.cluster),
			Task:    aws.String(taskARN),
			Reason:  aws.String(reason),
		})
	})
}

// IsHealthy checks the task status; with checkAgent also the agent /health.
func (b *ECSBackend) IsHealthy(ctx context.Context, c *models.Container, checkAgent bool) bool {
	if c.TaskHandle == "" {
		return false
	}
	task, err := b.describeTask(ctx, c.TaskHandle)
	if err != nil || aws.ToString(task.LastStatus) != "RUNNING" {
		return false
	}
	if !checkAgent {
		return true
	}
	return agent.NewClient(c.Endpoint).Health(ctx) == nil
}

// Exec runs a command through the agent's exec endpoint; the remote
// scheduler has no exec primitive of its own for Fargate tasks.
func (b *ECSBackend) Exec(ctx context.Context, c *models.Container, cmd []string) (int, string, error) {
	return agent.NewClient(c.Endpoint).Exec(ctx, cmd)
}

// ExecBinary is Exec with binary output.
func (b *ECSBackend) ExecBinary(ctx context.Context, c *models.Container, cmd []string) (int, []byte, error) {
	return agent.NewClient(c.Endpoint).ExecBinary(ctx, cmd)
}

// ListWorkspaceContainers lists our tasks and resolves their tags. Used by
// the GC orphan scan to find tasks the KV forgot about.
func (b *ECSBackend) ListWorkspaceContainers(ctx context.Context) ([]ContainerSummary, error) {
	var arns []string
	var nextToken *string
	for {
		out, err := b.call(func() (any, error) {
			return b.client.ListTasks(ctx, &ecs.ListTasksInput{
				Cluster:   aws.String(b.cluster),
				StartedBy: aws.String(startedByTag),
				NextToken: nextToken,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("ecs list tasks: %w", err)
		}
		listOut := out.(*ecs.ListTasksOutput)
		arns = append(arns, listOut.TaskArns...)
		if listOut.NextToken == nil {
			break
		}
		nextToken = listOut.NextToken
	}
	if len(arns) == 0 {
		return nil, nil
	}

	var summaries []ContainerSummary
	// DescribeTasks accepts at most 100 ARNs per call.
	for start := 0; start < len(arns); start += 100 {
		end := start + 100
		if end > len(arns) {
			end = len(arns)
		}
		out, err := b.call(func() (any, error) {
			return b.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
				Cluster: aws.String(b.cluster),
				Tasks:   arns[start:end],
				Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
			})
		})
		if err != nil {
			return nil, fmt.Errorf("ecs describe tasks: %w", err)
		}
		for _, task := range out.(*ecs.DescribeTasksOutput).Tasks {
			s := ContainerSummary{
				State:      aws.ToString(task.LastStatus),
				TaskHandle: aws.ToString(task.TaskArn),
			}
			if task.CreatedAt != nil {
				s.CreatedAt = *task.CreatedAt
			}
			for _, tag := range task.Tags {
				switch aws.ToString(tag.Key) {
				case LabelContainerID:
					s.ID = aws.ToString(tag.Value)
				case LabelConversation:
					s.ConversationID = aws.ToString(tag.Value)
				}
			}
			summaries = append(summaries, s)
		}
	}
	return summaries, nil
}

// WaitForAgentReady polls the agent /health; a task that leaves RUNNING ends
// the wait early.
func (b *ECSBackend) WaitForAgentReady(ctx context.Context, c *models.Container, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	cli := agent.NewClient(c.Endpoint)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	lastStatusCheck := time.Now()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
		if cli.Health(ctx) == nil {
			return true, nil
		}
		// Status checks hit the control plane, so space them out.
		if time.Since(lastStatusCheck) > 5*time.Second {
			lastStatusCheck = time.Now()
			task, err := b.describeTask(ctx, c.TaskHandle)
			if err != nil {
				continue
			}
			if status := aws.ToString(task.LastStatus); status == "STOPPED" || status == "DEPROVISIONING" {
				return false, fmt.Errorf("task stopped during readiness wait: %s", aws.ToString(task.StoppedReason))
			}
		}
	}
	return false, nil
}

// GetLogs is limited on the remote backend: Fargate logs land in the log
// driver, not the control plane. The agent's own log tail endpoint is used
// when the agent is reachable; otherwise the task's stopped reason is all
// there is.
func (b *ECSBackend) GetLogs(ctx context.Context, id string, tail int) (string, error) {
	summaries, err := b.ListWorkspaceContainers(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range summaries {
		if s.ID != id {
			continue
		}
		task, err := b.describeTask(ctx, s.TaskHandle)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("task %s status=%s reason=%s",
			aws.ToString(task.TaskArn), aws.ToString(task.LastStatus), aws.ToString(task.StoppedReason)), nil
	}
	return "", fmt.Errorf("no task for container %s", id)
}

func (b *ECSBackend) call(fn func() (any, error)) (any, error) {
	return b.breaker.Execute(fn)
}
