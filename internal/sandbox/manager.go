package sandbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/google/uuid"

	"github.com/espritsec/scanctl/pkg/types"
)

// Tag keys attached to every sandbox task. The SandboxId tag is the sole
// correlation key between this service and the backend; there is no local
// sandbox table.
const (
	tagSandboxID = "SandboxId"
	tagUserID    = "UserId"
	tagScanID    = "ScanId"
)

// describeBatchSize is the ECS DescribeTasks input cap
const describeBatchSize = 100

// ECSClient is the subset of the ECS API the manager uses
type ECSClient interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	ListTagsForResource(ctx context.Context, params *ecs.ListTagsForResourceInput, optFns ...func(*ecs.Options)) (*ecs.ListTagsForResourceOutput, error)
}

// EC2Client is the subset of the EC2 API the manager uses
type EC2Client interface {
	DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
}

// Config holds sandbox manager configuration
type Config struct {
	Cluster        string
	TaskDefinition string
	ContainerName  string
	Subnets        []string
	SecurityGroups []string

	// LLMProxyURL is passed into the task so the sandbox can reach the
	// generation proxy without its own API key
	LLMProxyURL string

	// TTL bounds a sandbox's effective lifetime; enforcement is the
	// reaper's job, the manager only stamps expires_at
	TTL time.Duration

	// GracePeriod masks the backend's listing lag: a sandbox younger
	// than this that matches no listed task reports creating, not
	// stopped
	GracePeriod time.Duration

	// ToolServerPort is the well-known port the sandbox tool server
	// listens on
	ToolServerPort int
}

// DefaultConfig returns default sandbox manager configuration
func DefaultConfig() *Config {
	return &Config{
		Cluster:        "esprit-sandboxes",
		TaskDefinition: "esprit-sandbox",
		ContainerName:  "sandbox",
		TTL:            2 * time.Hour,
		GracePeriod:    60 * time.Second,
		ToolServerPort: 5000,
	}
}

// recentCreate is the lazily maintained local index entry for a sandbox
// this process created. It is a cache, never the source of truth: state is
// always re-derived from the backend, the index only short-circuits the
// cluster-wide scan and powers the creation grace window.
type recentCreate struct {
	taskArn   string
	createdAt time.Time
}

// Manager maps sandbox lifecycle operations onto ECS task primitives,
// correlating by tag
type Manager struct {
	config *Config
	ecs    ECSClient
	ec2    EC2Client

	mu     sync.Mutex
	recent map[string]recentCreate

	now func() time.Time
}

// NewManager creates a sandbox manager
func NewManager(config *Config, ecsClient ECSClient, ec2Client EC2Client) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config: config,
		ecs:    ecsClient,
		ec2:    ec2Client,
		recent: make(map[string]recentCreate),
		now:    time.Now,
	}
}

// Create provisions one backend task for a scan and returns immediately
// with status creating; it does not wait for the task to start. On any
// backend rejection the operation fails with no task left claimed.
func (m *Manager) Create(ctx context.Context, req *types.CreateSandboxRequest, tenantID string) (*types.Sandbox, error) {
	if !req.Valid() {
		return nil, fmt.Errorf("%w: target_type=%q scan_type=%q", ErrInvalidRequest, req.TargetType, req.ScanType)
	}

	sandboxID := types.GenerateSandboxID()
	createdAt := m.now()

	out, err := m.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(m.config.Cluster),
		TaskDefinition: aws.String(m.config.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		// Idempotency token so SDK-level retries cannot double-launch
		ClientToken: aws.String(uuid.NewString()),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        m.config.Subnets,
				SecurityGroups: m.config.SecurityGroups,
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{
				{
					Name: aws.String(m.config.ContainerName),
					Environment: []ecstypes.KeyValuePair{
						{Name: aws.String("SCAN_ID"), Value: aws.String(req.ScanID)},
						{Name: aws.String("TARGET"), Value: aws.String(req.Target)},
						{Name: aws.String("TARGET_TYPE"), Value: aws.String(string(req.TargetType))},
						{Name: aws.String("SCAN_TYPE"), Value: aws.String(string(req.ScanType))},
						{Name: aws.String("USER_ID"), Value: aws.String(tenantID)},
						{Name: aws.String("SANDBOX_ID"), Value: aws.String(sandboxID)},
						{Name: aws.String("LLM_PROXY_URL"), Value: aws.String(m.config.LLMProxyURL)},
					},
				},
			},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String(tagSandboxID), Value: aws.String(sandboxID)},
			{Key: aws.String(tagUserID), Value: aws.String(tenantID)},
			{Key: aws.String(tagScanID), Value: aws.String(req.ScanID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: run task: %v", ErrBackendUnavailable, err)
	}

	if len(out.Tasks) == 0 {
		reason := "no task provisioned"
		if len(out.Failures) > 0 {
			reason = aws.ToString(out.Failures[0].Reason)
		}
		return nil, fmt.Errorf("%w: run task rejected: %s", ErrBackendUnavailable, reason)
	}

	taskArn := aws.ToString(out.Tasks[0].TaskArn)

	m.mu.Lock()
	m.recent[sandboxID] = recentCreate{taskArn: taskArn, createdAt: createdAt}
	m.pruneLocked(createdAt)
	m.mu.Unlock()

	log.Printf("Sandbox %s created (task=%s, tenant=%s, scan=%s)", sandboxID, taskArn, tenantID, req.ScanID)

	expiresAt := createdAt.Add(m.config.TTL)
	return &types.Sandbox{
		ID:        sandboxID,
		Status:    types.SandboxStatusCreating,
		ExpiresAt: &expiresAt,
	}, nil
}

// GetStatus re-derives a sandbox's state from the backend by tag match.
// A sandbox matching no listed task reports stopped, unless it is still
// inside its creation grace window, in which case listing lag is assumed
// and it reports creating.
func (m *Manager) GetStatus(ctx context.Context, sandboxID string) (*types.Sandbox, error) {
	// Fast path: a task ARN cached at creation time skips the cluster scan
	if arn, ok := m.cachedTaskArn(sandboxID); ok {
		sandbox, err := m.describeByArn(ctx, sandboxID, arn)
		if err != nil {
			return nil, err
		}
		if sandbox != nil {
			return sandbox, nil
		}
		// Cache was stale; fall through to the full scan. Keep the
		// creation time so the grace window still applies.
		m.clearTaskArn(sandboxID)
	}

	arns, err := m.listRunningTaskArns(ctx)
	if err != nil {
		return nil, err
	}
	if len(arns) == 0 {
		return m.absentStatus(sandboxID), nil
	}

	for start := 0; start < len(arns); start += describeBatchSize {
		end := start + describeBatchSize
		if end > len(arns) {
			end = len(arns)
		}

		out, err := m.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(m.config.Cluster),
			Tasks:   arns[start:end],
			Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: describe tasks: %v", ErrBackendUnavailable, err)
		}

		for _, task := range out.Tasks {
			if tagValue(task.Tags, tagSandboxID) != sandboxID {
				continue
			}
			return m.sandboxFromTask(ctx, sandboxID, &task)
		}
	}

	return m.absentStatus(sandboxID), nil
}

// Destroy stops the task tagged with the sandbox ID. Returns false when
// no running task matches; that is a normal terminal state, not an error.
func (m *Manager) Destroy(ctx context.Context, sandboxID string) (bool, error) {
	arns, err := m.listRunningTaskArns(ctx)
	if err != nil {
		return false, err
	}

	for _, arn := range arns {
		// No batch tag lookup on the backend: one call per task
		tagsOut, err := m.ecs.ListTagsForResource(ctx, &ecs.ListTagsForResourceInput{
			ResourceArn: aws.String(arn),
		})
		if err != nil {
			return false, fmt.Errorf("%w: list tags for %s: %v", ErrBackendUnavailable, arn, err)
		}

		if tagValue(tagsOut.Tags, tagSandboxID) != sandboxID {
			continue
		}

		_, err = m.ecs.StopTask(ctx, &ecs.StopTaskInput{
			Cluster: aws.String(m.config.Cluster),
			Task:    aws.String(arn),
			Reason:  aws.String("Sandbox destroyed by user"),
		})
		if err != nil {
			return false, fmt.Errorf("%w: stop task: %v", ErrBackendUnavailable, err)
		}

		m.forget(sandboxID)
		log.Printf("Sandbox %s destroyed (task=%s)", sandboxID, arn)
		return true, nil
	}

	m.forget(sandboxID)
	return false, nil
}

// ListRunning returns every sandbox-tagged task currently listed in the
// cluster, without network lookups. Used by the reaper.
func (m *Manager) ListRunning(ctx context.Context) ([]types.Sandbox, error) {
	arns, err := m.listRunningTaskArns(ctx)
	if err != nil {
		return nil, err
	}
	if len(arns) == 0 {
		return nil, nil
	}

	var sandboxes []types.Sandbox
	for start := 0; start < len(arns); start += describeBatchSize {
		end := start + describeBatchSize
		if end > len(arns) {
			end = len(arns)
		}

		out, err := m.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(m.config.Cluster),
			Tasks:   arns[start:end],
			Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: describe tasks: %v", ErrBackendUnavailable, err)
		}

		for _, task := range out.Tasks {
			id := tagValue(task.Tags, tagSandboxID)
			if id == "" {
				continue
			}
			// A task stuck before RUNNING has no StartedAt; age it from
			// the backend's creation stamp so the TTL still applies
			startedAt := task.StartedAt
			if startedAt == nil {
				startedAt = task.CreatedAt
			}
			sandboxes = append(sandboxes, types.Sandbox{
				ID:        id,
				Status:    statusFromTask(&task),
				StartedAt: startedAt,
			})
		}
	}

	return sandboxes, nil
}

// describeByArn resolves a single cached task. Returns nil (no error)
// when the cached entry no longer points at a live task matching the
// sandbox, so the caller can fall back to the cluster scan.
func (m *Manager) describeByArn(ctx context.Context, sandboxID, arn string) (*types.Sandbox, error) {
	out, err := m.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(m.config.Cluster),
		Tasks:   []string{arn},
		Include: []ecstypes.TaskField{ecstypes.TaskFieldTags},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: describe task: %v", ErrBackendUnavailable, err)
	}

	for _, task := range out.Tasks {
		if tagValue(task.Tags, tagSandboxID) != sandboxID {
			continue
		}
		if aws.ToString(task.LastStatus) == "STOPPED" {
			// Definitive observation, no grace window needed
			return &types.Sandbox{ID: sandboxID, Status: types.SandboxStatusStopped}, nil
		}
		return m.sandboxFromTask(ctx, sandboxID, &task)
	}

	return nil, nil
}

// sandboxFromTask builds the caller-facing sandbox view for a matched
// task, resolving its public IP through the attached network interface
func (m *Manager) sandboxFromTask(ctx context.Context, sandboxID string, task *ecstypes.Task) (*types.Sandbox, error) {
	sandbox := &types.Sandbox{
		ID:        sandboxID,
		Status:    statusFromTask(task),
		StartedAt: task.StartedAt,
	}

	if created, ok := m.createdAt(sandboxID); ok {
		expiresAt := created.Add(m.config.TTL)
		sandbox.ExpiresAt = &expiresAt
	}

	eniID := networkInterfaceID(task)
	if eniID == "" {
		return sandbox, nil
	}

	out, err := m.ec2.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: []string{eniID},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: describe network interface %s: %v", ErrBackendUnavailable, eniID, err)
	}

	if len(out.NetworkInterfaces) > 0 && out.NetworkInterfaces[0].Association != nil {
		if ip := aws.ToString(out.NetworkInterfaces[0].Association.PublicIp); ip != "" {
			url := fmt.Sprintf("http://%s:%d", ip, m.config.ToolServerPort)
			sandbox.PublicIP = &ip
			sandbox.ToolServerURL = &url
		}
	}

	return sandbox, nil
}

// absentStatus is the report for a sandbox matching no listed task:
// stopped, unless the create is recent enough that listing lag is the
// likelier explanation
func (m *Manager) absentStatus(sandboxID string) *types.Sandbox {
	if created, ok := m.createdAt(sandboxID); ok {
		if m.now().Sub(created) < m.config.GracePeriod {
			expiresAt := created.Add(m.config.TTL)
			return &types.Sandbox{
				ID:        sandboxID,
				Status:    types.SandboxStatusCreating,
				ExpiresAt: &expiresAt,
			}
		}
	}

	return &types.Sandbox{
		ID:     sandboxID,
		Status: types.SandboxStatusStopped,
	}
}

// listRunningTaskArns pages through the cluster's running task list
func (m *Manager) listRunningTaskArns(ctx context.Context) ([]string, error) {
	var arns []string
	var nextToken *string

	for {
		out, err := m.ecs.ListTasks(ctx, &ecs.ListTasksInput{
			Cluster:       aws.String(m.config.Cluster),
			DesiredStatus: ecstypes.DesiredStatusRunning,
			NextToken:     nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: list tasks: %v", ErrBackendUnavailable, err)
		}

		arns = append(arns, out.TaskArns...)
		if out.NextToken == nil {
			return arns, nil
		}
		nextToken = out.NextToken
	}
}

func (m *Manager) cachedTaskArn(sandboxID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.recent[sandboxID]
	if !ok || entry.taskArn == "" {
		return "", false
	}
	return entry.taskArn, true
}

func (m *Manager) createdAt(sandboxID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.recent[sandboxID]
	return entry.createdAt, ok
}

func (m *Manager) clearTaskArn(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.recent[sandboxID]; ok {
		entry.taskArn = ""
		m.recent[sandboxID] = entry
	}
}

func (m *Manager) forget(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recent, sandboxID)
}

// pruneLocked drops index entries past their TTL; caller holds m.mu
func (m *Manager) pruneLocked(now time.Time) {
	for id, entry := range m.recent {
		if now.Sub(entry.createdAt) > m.config.TTL {
			delete(m.recent, id)
		}
	}
}

func statusFromTask(task *ecstypes.Task) types.SandboxStatus {
	if aws.ToString(task.LastStatus) == "RUNNING" {
		return types.SandboxStatusRunning
	}
	return types.SandboxStatusCreating
}

func tagValue(tags []ecstypes.Tag, key string) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == key {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

func networkInterfaceID(task *ecstypes.Task) string {
	for _, attachment := range task.Attachments {
		if aws.ToString(attachment.Type) != "ElasticNetworkInterface" {
			continue
		}
		for _, detail := range attachment.Details {
			if aws.ToString(detail.Name) == "networkInterfaceId" {
				return aws.ToString(detail.Value)
			}
		}
	}
	return ""
}
