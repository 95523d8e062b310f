package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sentinelproxy/sentinel-cp/internal/config"
)

var _ = Describe("Config", func() {
	writeFile := func(content string) string {
		path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
		Expect(os.WriteFile(path, []byte(content), 0600)).To(Succeed())
		return path
	}

	When("no file is given", func() {
		It("returns the defaults", func() {
			cfg, err := config.Read("")
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Store.Driver).To(Equal("bolt"))
			Expect(cfg.Node.StaleThreshold.Duration).To(Equal(120 * time.Second))
			Expect(cfg.Dispatcher.Workers).To(Equal(4))
		})
	})

	When("a file sets durations as strings", func() {
		It("parses them over the defaults", func() {
			path := writeFile("node:\n  stale_threshold: 90s\n  poll_interval: 10s\n")
			cfg, err := config.Read(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Node.StaleThreshold.Duration).To(Equal(90 * time.Second))
			Expect(cfg.Node.PollInterval.Duration).To(Equal(10 * time.Second))
			// Untouched sections keep their defaults.
			Expect(cfg.Rollout.TickInterval.Duration).To(Equal(time.Second))
		})
	})

	When("the environment overrides the file", func() {
		It("prefers the environment", func() {
			path := writeFile("store:\n  driver: bolt\n  path: from-file.db\n")
			GinkgoT().Setenv("SENTINEL_STORE_PATH", "from-env.db")
			cfg, err := config.Read(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(cfg.Store.Path).To(Equal("from-env.db"))
		})
	})

	When("the store driver is unknown", func() {
		It("fails validation", func() {
			path := writeFile("store:\n  driver: dynamo\n")
			_, err := config.Read(path)
			Expect(err).To(MatchError(ContainSubstring("store.driver")))
		})
	})

	When("postgres is selected without a dsn", func() {
		It("fails validation", func() {
			path := writeFile("store:\n  driver: postgres\n")
			_, err := config.Read(path)
			Expect(err).To(MatchError(ContainSubstring("store.dsn")))
		})
	})
})
