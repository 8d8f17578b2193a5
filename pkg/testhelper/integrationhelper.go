package testhelper

import (
	"os"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

const containerTTL = 120 // seconds

type RetryFunc func(res *dockertest.Resource) error

// Container describes a throwaway peer for probe tests.
type Container struct {
	Image string
	Tag   string
	Env   []string
	// Ready is retried with backoff until the container answers.
	Ready RetryFunc
}

func IsIntegration() bool {
	return os.Getenv("TEST_INTEGRATION") == "true"
}

// SkipUnlessIntegration skips tb when integration tests are not enabled.
func SkipUnlessIntegration(tb testing.TB) {
	tb.Helper()
	if !IsIntegration() {
		tb.Skip("set TEST_INTEGRATION=true to run")
	}
}

func StartDockerPool(tb testing.TB) *dockertest.Pool {
	tb.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		tb.Fatalf("could not construct docker pool: %v", err)
	}

	if err := pool.Client.Ping(); err != nil {
		tb.Fatalf("could not connect to docker: %v", err)
	}
	return pool
}

// StartContainer runs c, waits until Ready passes and purges it when tb ends.
func StartContainer(tb testing.TB, pool *dockertest.Pool, c Container) *dockertest.Resource {
	tb.Helper()
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: c.Image,
		Tag:        c.Tag,
		Env:        c.Env,
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{
			Name: "no",
		}
	})
	if err != nil {
		tb.Fatalf("could not start %s:%s: %v", c.Image, c.Tag, err)
	}
	tb.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			tb.Logf("could not purge %s: %v", c.Image, err)
		}
	})

	if err := resource.Expire(containerTTL); err != nil {
		tb.Fatalf("could not set container expiration: %v", err)
	}

	if c.Ready != nil {
		if err := pool.Retry(func() error {
			return c.Ready(resource)
		}); err != nil {
			tb.Fatalf("%s never became ready: %v", c.Image, err)
		}
	}
	return resource
}
