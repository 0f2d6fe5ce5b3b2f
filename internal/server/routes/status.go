package routes

import (
	"errors"
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/pkghub/internal/install"
	"github.com/any-hub/pkghub/internal/packagedapp"
	"github.com/any-hub/pkghub/internal/server"
)

// PackageLister 返回进行中的包下载，packagedapp.Service 满足该接口。只能在事件循环中调用。
type PackageLister interface {
	ActivePackages() []packagedapp.PackageStatus
}

// AppLister 返回已安装的签名包，install.Registry 满足该接口。
type AppLister interface {
	List() ([]install.Record, error)
}

// Runner 在事件循环中执行任务并等待完成。
type Runner interface {
	Do(fn func()) error
}

// StatusOptions 汇总诊断接口的数据来源。
type StatusOptions struct {
	Registry *server.SiteRegistry
	Loop     Runner
	Packages PackageLister
	Apps     AppLister
}

// RegisterStatusRoutes 暴露 /-/packages 与 /-/apps 诊断接口。
func RegisterStatusRoutes(app *fiber.App, opts StatusOptions) {
	if app == nil || opts.Registry == nil {
		return
	}

	app.Get("/-/packages", func(c fiber.Ctx) error {
		packages, err := snapshotPackages(opts)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "event_loop_closed"})
		}
		return c.JSON(fiber.Map{
			"sites":    encodeSites(opts.Registry.List()),
			"packages": packages,
		})
	})

	app.Get("/-/apps", func(c fiber.Ctx) error {
		if opts.Apps == nil {
			return c.JSON(fiber.Map{"apps": []appPayload{}})
		}
		records, err := opts.Apps.List()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "install_registry_unavailable"})
		}
		return c.JSON(fiber.Map{"apps": encodeApps(records)})
	})
}

type sitePayload struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Upstream    string `json:"upstream"`
	Port        int    `json:"port"`
	ContextMode string `json:"context_mode"`
	KeyPrefix   string `json:"key_prefix"`
}

type appPayload struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Origin            string    `json:"origin"`
	ManifestURL       string    `json:"manifest_url"`
	PackageIdentifier string    `json:"package_identifier,omitempty"`
	InstalledAt       time.Time `json:"installed_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func snapshotPackages(opts StatusOptions) ([]packagedapp.PackageStatus, error) {
	packages := []packagedapp.PackageStatus{}
	if opts.Packages == nil {
		return packages, nil
	}
	if opts.Loop == nil {
		return nil, errors.New("event loop required")
	}
	err := opts.Loop.Do(func() {
		packages = append(packages, opts.Packages.ActivePackages()...)
	})
	return packages, err
}

func encodeSites(routes []server.SiteRoute) []sitePayload {
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, sitePayload{
			Name:        route.Config.Name,
			Domain:      route.Config.Domain,
			Upstream:    route.UpstreamURL.String(),
			Port:        route.ListenPort,
			ContextMode: route.Config.ContextMode(),
			KeyPrefix:   route.LoadContext.KeyPrefix(),
		})
	}
	return result
}

func encodeApps(records []install.Record) []appPayload {
	result := make([]appPayload, 0, len(records))
	for _, record := range records {
		result = append(result, appPayload{
			ID:                record.ID,
			Name:              record.Name,
			Origin:            record.Origin,
			ManifestURL:       record.ManifestURL,
			PackageIdentifier: record.PackageIdentifier,
			InstalledAt:       record.InstalledAt,
			UpdatedAt:         record.UpdatedAt,
		})
	}
	return result
}
