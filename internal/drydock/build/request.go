package build

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/bdobrica/drydock/internal/drydock/dockerd"
)

// TypeImageBuilder is the type label value of builder containers.
const TypeImageBuilder = "image-builder-container"

// User identifies who asked for a build.
type User struct {
	GithubID int64
	Username string
}

// File is one versioned object of the build context in the files bucket.
type File struct {
	Key       string
	VersionID string
}

// Source is an application repository cloned into the build context.
type Source struct {
	Repo      string
	Commitish string
	// DeployKey is the key's path in the keys bucket.
	DeployKey string
}

// Request asks for one build.
type Request struct {
	BuildID          string
	ContextID        string
	ContextVersionID string
	// DockerTag is the target tag; derived from the registry when empty.
	DockerTag     string
	OwnerGithubID int64
	OwnerUsername string
	SessionUser   User
	Manual        bool
	NoCache       bool
	Files         []File
	Source        *Source
	// Host is the daemon to build on; empty means the default daemon.
	Host string
	// NetworkIP and HostIP address the build's private network.
	NetworkIP string
	HostIP    string
	// BuildArgs are passed to the builder as --build-arg values.
	BuildArgs map[string]string
}

// HasDockerfile reports whether the context contains a Dockerfile.
func (r Request) HasDockerfile() bool {
	for _, f := range r.Files {
		if path.Base(f.Key) == "Dockerfile" {
			return true
		}
	}
	return false
}

func (r Request) tag(registry string) string {
	if r.DockerTag != "" {
		return r.DockerTag
	}
	return fmt.Sprintf("%s/%d/%s:%s", strings.TrimSuffix(registry, "/"), r.OwnerGithubID, r.ContextID, r.ContextVersionID)
}

type buildFlags struct {
	NoCache bool              `json:"noCache"`
	Args    map[string]string `json:"args,omitempty"`
}

// BuilderEnv returns the builder container's environment, sorted.
func BuilderEnv(cfg Config, req Request) ([]string, error) {
	files := make(map[string]string, len(req.Files))
	for _, f := range req.Files {
		files[f.Key] = f.VersionID
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("build: encode files: %w", err)
	}
	flagsJSON, err := json.Marshal(buildFlags{NoCache: req.NoCache, Args: req.BuildArgs})
	if err != nil {
		return nil, fmt.Errorf("build: encode build flags: %w", err)
	}

	vars := map[string]string{
		"FILES_BUCKET":       cfg.FilesBucket,
		"PREFIX":             req.ContextID + "/source/",
		"FILES":              string(filesJSON),
		"DOCKER":             "unix://" + cfg.socket(),
		"DOCKERTAG":          req.tag(cfg.Registry),
		"IMAGE_BUILDER_NAME": cfg.Image,
		"IMAGE_BUILDER_TAG":  cfg.Tag,
		"BUILD_FLAGS":        string(flagsJSON),
		"NETWORK_IP":         req.NetworkIP,
		"HOST_IP":            req.HostIP,
		"WAIT_FOR_NETWORK":   cfg.WaitForNetwork,
		"AWS_ACCESS_KEY":     cfg.AWSAccessKey,
		"AWS_SECRET_KEY":     cfg.AWSSecretKey,
	}
	if cfg.PushImage {
		vars["PUSH_IMAGE"] = "true"
	}
	if cfg.CacheDir != "" {
		vars["DOCKER_IMAGE_BUILDER_CACHE"] = "/cache"
	}
	if cfg.LayerCacheDir != "" {
		vars["DOCKER_IMAGE_BUILDER_LAYER_CACHE"] = "/layer-cache"
	}
	if src := req.Source; src != nil && src.Repo != "" {
		vars["REPO"] = src.Repo
		vars["COMMITISH"] = src.Commitish
		vars["KEYS_BUCKET"] = cfg.KeysBucket
		vars["DEPLOYKEY"] = src.DeployKey
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		if v == "" {
			continue
		}
		env = append(env, "DRYDOCK_"+k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

// BuilderLabels returns the builder container's labels.
func BuilderLabels(cfg Config, req Request) map[string]string {
	return map[string]string{
		"type":                TypeImageBuilder,
		"buildId":             req.BuildID,
		"contextVersionId":    req.ContextVersionID,
		"manualBuild":         strconv.FormatBool(req.Manual),
		"noCache":             strconv.FormatBool(req.NoCache),
		"sessionUserGithubId": strconv.FormatInt(req.SessionUser.GithubID, 10),
		"sessionUserUsername": req.SessionUser.Username,
		"ownerUsername":       req.OwnerUsername,
		"dockerTag":           req.tag(cfg.Registry),
	}
}

// BuilderSpec assembles the builder container for req.
func BuilderSpec(cfg Config, req Request) (dockerd.ContainerSpec, error) {
	env, err := BuilderEnv(cfg, req)
	if err != nil {
		return dockerd.ContainerSpec{}, err
	}
	sock := cfg.socket()
	binds := []string{sock + ":" + sock}
	if cfg.CacheDir != "" {
		binds = append(binds, cfg.CacheDir+":/cache:rw")
	}
	if cfg.LayerCacheDir != "" {
		binds = append(binds, cfg.LayerCacheDir+":/layer-cache")
	}
	return dockerd.ContainerSpec{
		Image:       cfg.ImageRef(),
		Env:         env,
		Labels:      BuilderLabels(cfg, req),
		Binds:       binds,
		Memory:      cfg.Memory,
		Privileged:  true,
		NetworkMode: cfg.Network,
	}, nil
}
