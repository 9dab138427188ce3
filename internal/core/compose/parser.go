package compose

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/edgestack/internal/core/topology"
	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// cpuUnitsPerCore converts compose CPU cores into task CPU units.
const cpuUnitsPerCore = 1024

// =============================================================================
// Parser Functions
// =============================================================================

// ParseContainer reads one service of a Docker Compose file into the
// container run by the service task. When service is empty the file must
// define exactly one service.
//
// Only fields with an equivalent in the task definition are read: image,
// the first container port, environment, deploy CPU and memory limits and
// the platform architecture. Fields the file leaves out stay zero for the
// caller to fill.
func ParseContainer(yamlContent, service string) (topology.ContainerSpec, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return topology.ContainerSpec{}, ErrEmptyInput
	}

	project, err := loadComposeSpec(yamlContent)
	if err != nil {
		return topology.ContainerSpec{}, err
	}
	if len(project.Services) == 0 {
		return topology.ContainerSpec{}, ErrNoServices
	}

	svc, err := pickService(project.Services, service)
	if err != nil {
		return topology.ContainerSpec{}, err
	}
	return convertService(svc)
}

// loadComposeSpec loads a compose spec using compose-go
func loadComposeSpec(yamlContent string) (*types.Project, error) {
	// Parse YAML into a map first
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("edgestack", false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// Don't resolve paths since we're in-memory
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must have an image", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}
	return project, nil
}

// pickService selects the named service, or the only one.
func pickService(services types.Services, name string) (types.ServiceConfig, error) {
	if name != "" {
		svc, ok := services[name]
		if !ok {
			return types.ServiceConfig{}, NewParseError("services."+name, "service not found", ErrServiceNotFound)
		}
		return svc, nil
	}
	if len(services) > 1 {
		names := make([]string, 0, len(services))
		for n := range services {
			names = append(names, n)
		}
		sort.Strings(names)
		return types.ServiceConfig{}, NewParseError("services", "choose one of "+strings.Join(names, ", "), ErrAmbiguousService)
	}
	for _, svc := range services {
		return svc, nil
	}
	return types.ServiceConfig{}, ErrNoServices
}

// convertService converts a compose-go service to a container spec
func convertService(svc types.ServiceConfig) (topology.ContainerSpec, error) {
	field := "services." + svc.Name

	if svc.Image == "" {
		if svc.Build != nil {
			return topology.ContainerSpec{}, NewParseError(field+".build", "build is not supported", ErrServiceBuildOnly)
		}
		return topology.ContainerSpec{}, NewParseError(field, "service must have an image", ErrServiceNoImage)
	}

	spec := topology.ContainerSpec{
		Name:  containerName(svc),
		Image: svc.Image,
	}

	port, err := containerPort(svc)
	if err != nil {
		return topology.ContainerSpec{}, err
	}
	spec.Port = port

	if len(svc.Environment) > 0 {
		spec.Environment = make(map[string]string, len(svc.Environment))
		for k, v := range svc.Environment {
			if v != nil {
				spec.Environment[k] = *v
			}
		}
	}

	// Note: compose-go's NanoCPUs is misnamed - it's actually the CPU count as float32
	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		limits := svc.Deploy.Resources.Limits
		cpus := float64(limits.NanoCPUs)
		if cpus < 0 || limits.MemoryBytes < 0 {
			return topology.ContainerSpec{}, NewParseError(field+".deploy.resources.limits", "limits cannot be negative", ErrInvalidResources)
		}
		spec.CPU = int(math.Round(cpus * cpuUnitsPerCore))
		spec.MemoryMiB = int(int64(limits.MemoryBytes) / (1024 * 1024))
	}

	arch, err := architecture(svc.Platform)
	if err != nil {
		return topology.ContainerSpec{}, NewParseError(field+".platform", err.Error(), ErrUnsupportedTarget)
	}
	spec.Architecture = arch

	return spec, nil
}

// containerName uses container_name when set; otherwise the task default applies.
func containerName(svc types.ServiceConfig) string {
	return svc.ContainerName
}

// containerPort returns the first target port, falling back to expose.
func containerPort(svc types.ServiceConfig) (int, error) {
	field := "services." + svc.Name
	if len(svc.Ports) > 0 {
		target := svc.Ports[0].Target
		if target == 0 || target > 65535 {
			return 0, NewParseError(field+".ports[0]", "target port must be between 1 and 65535", ErrInvalidPort)
		}
		return int(target), nil
	}
	if len(svc.Expose) > 0 {
		raw := strings.SplitN(svc.Expose[0], "/", 2)[0]
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			return 0, NewParseError(field+".expose[0]", "expose must be a port number", ErrInvalidPort)
		}
		return p, nil
	}
	return 0, nil
}

// architecture maps an OCI platform onto a task CPU architecture.
func architecture(platform string) (string, error) {
	if platform == "" {
		return "", nil
	}
	parts := strings.Split(strings.ToLower(platform), "/")
	arch := parts[len(parts)-1]
	if len(parts) == 3 {
		arch = parts[1]
	}
	switch arch {
	case "arm64", "aarch64":
		return "ARM64", nil
	case "amd64", "x86_64":
		return "X86_64", nil
	}
	return "", ErrUnsupportedTarget
}
