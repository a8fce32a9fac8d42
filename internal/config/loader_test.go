package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"icsuntis/internal/config"
	"icsuntis/internal/timetable"
)

var configEnvVars = []string{
	"ICSUNTIS_CONFIG",
	"ICSUNTIS_LISTEN",
	"ICSUNTIS_CACHE_TTL",
	"ICSUNTIS_RANGE_PAST_MONTHS",
	"ICSUNTIS_WEBUNTIS_SCHOOL",
	"ICSUNTIS_ADMIN_USERNAME",
	"WEBUNTIS_SERVER",
	"WEBUNTIS_SCHOOL",
	"WEBUNTIS_USERNAME",
	"WEBUNTIS_PASSWORD",
}

func clearConfigEnvVars() {
	for _, k := range configEnvVars {
		_ = os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading with defaults only", func() {
			cfg, err := config.Load("")

			convey.Convey("Then the defaults apply", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Listen, convey.ShouldEqual, ":3979")
				convey.So(cfg.Timezone, convey.ShouldEqual, "Europe/Berlin")
				convey.So(cfg.CacheTTL, convey.ShouldEqual, 10*time.Minute)
				convey.So(cfg.RangePastMonths, convey.ShouldEqual, 2)
				convey.So(cfg.RangeFutureMonths, convey.ShouldEqual, 2)
				convey.So(cfg.WebUntisClient, convey.ShouldEqual, "icsuntis")
				convey.So(cfg.Refresh, convey.ShouldBeEmpty)
				convey.So(cfg.AdminAuthEnabled(), convey.ShouldBeFalse)
			})
		})

		convey.Convey("When loading a YAML file", func() {
			path := writeFile(t, "config.yaml", `
listen: "127.0.0.1:9000"
cache_ttl: 5m
range_future_months: 4
refresh: "*/10 6-18 * * 1-5"
webuntis_server: demo.webuntis.com
webuntis_school: demo-school
remap:
  subjects:
    mat_GK_11: Mathematik GK
    Bio.LK: Biologie LK
`)
			cfg, err := config.Load(path)

			convey.Convey("Then file values override defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Listen, convey.ShouldEqual, "127.0.0.1:9000")
				convey.So(cfg.CacheTTL, convey.ShouldEqual, 5*time.Minute)
				convey.So(cfg.RangePastMonths, convey.ShouldEqual, 2)
				convey.So(cfg.RangeFutureMonths, convey.ShouldEqual, 4)
				convey.So(cfg.Refresh, convey.ShouldEqual, "*/10 6-18 * * 1-5")
				convey.So(cfg.Credentials().School, convey.ShouldEqual, "demo-school")
			})

			convey.Convey("Then remap keys keep their dots", func() {
				convey.So(cfg.Remap.Subjects, convey.ShouldResemble, map[string]string{
					"mat_GK_11": "Mathematik GK",
					"Bio.LK":    "Biologie LK",
				})
			})
		})

		convey.Convey("When the file path comes from the environment", func() {
			path := writeFile(t, "env.yaml", "listen: \":7000\"\n")
			_ = os.Setenv("ICSUNTIS_CONFIG", path)

			cfg, err := config.Load("")

			convey.Convey("Then that file is read", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Listen, convey.ShouldEqual, ":7000")
			})
		})

		convey.Convey("When environment variables are set", func() {
			path := writeFile(t, "config.yaml", "listen: \":9000\"\nwebuntis_school: from-file\n")
			_ = os.Setenv("ICSUNTIS_LISTEN", ":8080")
			_ = os.Setenv("ICSUNTIS_CACHE_TTL", "90s")
			_ = os.Setenv("ICSUNTIS_RANGE_PAST_MONTHS", "1")
			_ = os.Setenv("WEBUNTIS_SERVER", "legacy.webuntis.com")
			_ = os.Setenv("WEBUNTIS_USERNAME", "student")
			_ = os.Setenv("WEBUNTIS_PASSWORD", "secret")

			cfg, err := config.Load(path)

			convey.Convey("Then env overrides the file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Listen, convey.ShouldEqual, ":8080")
				convey.So(cfg.CacheTTL, convey.ShouldEqual, 90*time.Second)
				convey.So(cfg.RangePastMonths, convey.ShouldEqual, 1)
			})

			convey.Convey("Then legacy WEBUNTIS_ names fill the default identity", func() {
				creds := cfg.Credentials()
				convey.So(creds.Server, convey.ShouldEqual, "legacy.webuntis.com")
				convey.So(creds.School, convey.ShouldEqual, "from-file")
				convey.So(creds.Username, convey.ShouldEqual, "student")
				convey.So(creds.Password, convey.ShouldEqual, "secret")
				convey.So(creds.Missing(), convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When both legacy and prefixed names are set", func() {
			_ = os.Setenv("WEBUNTIS_SCHOOL", "legacy")
			_ = os.Setenv("ICSUNTIS_WEBUNTIS_SCHOOL", "prefixed")

			cfg, err := config.Load("")

			convey.Convey("Then the prefixed name wins", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.WebUntisSchool, convey.ShouldEqual, "prefixed")
			})
		})

		convey.Convey("When only the admin username is set", func() {
			_ = os.Setenv("ICSUNTIS_ADMIN_USERNAME", "admin")

			_, err := config.Load("")

			convey.Convey("Then loading fails as invalid", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the config file does not exist", func() {
			_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))

			convey.Convey("Then loading fails", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})
	})
}

func TestRemapFile(t *testing.T) {
	convey.Convey("Given a remap file", t, func() {
		path := filepath.Join(t.TempDir(), "nested", "remap.yaml")
		store := config.NewRemapFile(path)
		base := config.RemapConfig{
			Subjects: map[string]string{"mat_GK_11": "Mathe", "eng_LK_5": "Englisch LK"},
		}

		convey.Convey("When it does not exist yet", func() {
			tables, err := store.Load(base)

			convey.Convey("Then the inline tables are used", func() {
				convey.So(err, convey.ShouldBeNil)
				v, ok := tables.Subjects.Lookup("mat_GK_11")
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(v, convey.ShouldEqual, "Mathe")
				convey.So(tables.Rooms.Len(), convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When tables are saved and loaded again", func() {
			saved := timetable.NewTables(
				map[string]string{"mat_GK_11": "Mathematik GK"},
				map[string]string{"R101": "Physiksaal"},
				map[string]string{"MUE": "Frau Müller"},
			)
			err := store.SaveRemap(saved)
			convey.So(err, convey.ShouldBeNil)

			info, statErr := os.Stat(path)
			tables, loadErr := store.Load(base)

			convey.Convey("Then the file is private", func() {
				convey.So(statErr, convey.ShouldBeNil)
				convey.So(info.Mode().Perm(), convey.ShouldEqual, os.FileMode(0o600))
			})

			convey.Convey("Then file entries override inline ones", func() {
				convey.So(loadErr, convey.ShouldBeNil)
				v, _ := tables.Subjects.Lookup("mat_GK_11")
				convey.So(v, convey.ShouldEqual, "Mathematik GK")
				v, _ = tables.Subjects.Lookup("eng_LK_5")
				convey.So(v, convey.ShouldEqual, "Englisch LK")
				v, _ = tables.Rooms.Lookup("R101")
				convey.So(v, convey.ShouldEqual, "Physiksaal")
				v, _ = tables.Teachers.Lookup("MUE")
				convey.So(v, convey.ShouldEqual, "Frau Müller")
			})
		})

		convey.Convey("When the file is not valid YAML", func() {
			_ = os.MkdirAll(filepath.Dir(path), 0o700)
			_ = os.WriteFile(path, []byte("subjects: [unclosed"), 0o600)

			_, err := store.Load(base)

			convey.Convey("Then loading fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})
	})
}
