package httpapi

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/meteo-dashboard/internal/claim"
	"github.com/i474232898/meteo-dashboard/internal/dashboard"
	"github.com/i474232898/meteo-dashboard/internal/forecast"
	"github.com/i474232898/meteo-dashboard/internal/identity"
	"github.com/i474232898/meteo-dashboard/internal/store"
)

var validate = validator.New()

// SessionCookie carries the dashboard id between requests.
const SessionCookie = "dashboard_session"

const dashboardKey = "dashboard"

// Registry is the session registry the API resolves dashboards from.
type Registry interface {
	Create() *dashboard.Dashboard
	Get(id string) (*dashboard.Dashboard, error)
	Touch(id string) bool
}

// Options configures RegisterRoutes.
type Options struct {
	Registry Registry
	Places   forecast.Provider
	// SearchLimit caps results of the immediate place search.
	SearchLimit  int
	SecureCookie bool
}

// ErrorHandler renders every error as {"error": true, "message": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, opts Options) {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 5
	}
	v1 := app.Group("/api/v1")

	// Stateless lookups need no dashboard.
	v1.Get("/places", func(c *fiber.Ctx) error {
		q := placesQuery{Name: strings.TrimSpace(c.Query("name"))}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		places, err := opts.Places.SearchPlaces(c.UserContext(), q.Name, opts.SearchLimit)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, "place search failed: "+err.Error())
		}
		return c.JSON(fiber.Map{"places": places})
	})

	v1.Get("/forecast", func(c *fiber.Ctx) error {
		var q forecastQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		report, err := opts.Places.Forecast(c.UserContext(), q.Latitude, q.Longitude)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, "forecast fetch failed: "+err.Error())
		}
		return c.JSON(forecast.BuildView(report))
	})

	dash := v1.Group("", sessionMiddleware(opts.Registry, opts.SecureCookie))

	dash.Post("/session", func(c *fiber.Ctx) error {
		var req signInRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		ident, err := current(c).Gate.SignIn(c.UserContext(), req.IDToken)
		if err != nil {
			if identity.IsUnauthenticated(err) {
				return fiber.NewError(fiber.StatusUnauthorized, err.Error())
			}
			return fiber.NewError(fiber.StatusBadGateway, "sign-in failed: "+err.Error())
		}
		return c.JSON(fiber.Map{"signedIn": true, "user": ident})
	})

	dash.Get("/session", func(c *fiber.Ctx) error {
		ident, ok := current(c).Gate.CurrentUser()
		if !ok {
			return c.JSON(fiber.Map{"signedIn": false})
		}
		return c.JSON(fiber.Map{"signedIn": true, "user": ident})
	})

	dash.Delete("/session", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"signedOut": current(c).Gate.SignOut()})
	})

	dash.Get("/history", func(c *fiber.Ctx) error {
		d := current(c)
		return c.JSON(fiber.Map{
			"history": d.History.Snapshot(),
			"loading": d.History.Loading(),
		})
	})

	dash.Post("/history/reload", func(c *fiber.Ctx) error {
		h, err := current(c).Reload(c.UserContext())
		if err != nil {
			if errors.Is(err, dashboard.ErrNotSignedIn) {
				return fiber.NewError(fiber.StatusUnauthorized, err.Error())
			}
			return fiber.NewError(fiber.StatusBadGateway, "history reload failed: "+err.Error())
		}
		return c.JSON(fiber.Map{"history": h, "loading": false})
	})

	dash.Get("/measurement/current", func(c *fiber.Ctx) error {
		r, ok := current(c).History.Current()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no measurement available")
		}
		return c.JSON(r)
	})

	dash.Post("/claims", func(c *fiber.Ctx) error {
		var req claimRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		st, err := current(c).Claims.Submit(c.UserContext(), req.DeviceID, req.PairingCode)
		switch {
		case errors.Is(err, claim.ErrNotSignedIn):
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		case err != nil:
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.Status(claimStatusCode(st.State)).JSON(st)
	})

	dash.Get("/claims/current", func(c *fiber.Ctx) error {
		return c.JSON(current(c).Claims.Status())
	})

	dash.Put("/places/query", func(c *fiber.Ctx) error {
		var req queryRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		d := current(c)
		d.Suggester.Input(req.Input)
		return c.Status(fiber.StatusAccepted).JSON(d.Suggester.Current())
	})

	dash.Get("/places/suggestions", func(c *fiber.Ctx) error {
		return c.JSON(current(c).Suggester.Current())
	})

	dash.Put("/forecast/selection", func(c *fiber.Ctx) error {
		var req selectionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.JSON(current(c).SelectPlace(c.UserContext(), *req.Place))
	})

	dash.Get("/forecast/selection", func(c *fiber.Ctx) error {
		return c.JSON(current(c).City.Current())
	})
}

// sessionMiddleware resolves the dashboard from the session cookie and
// creates one when the cookie is missing or stale.
func sessionMiddleware(reg Registry, secure bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Cookies(SessionCookie)
		if id != "" {
			if d, err := reg.Get(id); err == nil {
				reg.Touch(id)
				c.Locals(dashboardKey, d)
				return c.Next()
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		d := reg.Create()
		c.Cookie(&fiber.Cookie{
			Name:     SessionCookie,
			Value:    d.ID,
			Path:     "/",
			HTTPOnly: true,
			Secure:   secure,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
		c.Locals(dashboardKey, d)
		return c.Next()
	}
}

func current(c *fiber.Ctx) *dashboard.Dashboard {
	return c.Locals(dashboardKey).(*dashboard.Dashboard)
}

func claimStatusCode(s claim.State) int {
	switch s {
	case claim.AwaitingConfirmation:
		return fiber.StatusAccepted
	case claim.Rejected:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusOK
	}
}

type signInRequest struct {
	IDToken string `json:"idToken" validate:"required"`
}

type claimRequest struct {
	DeviceID    string `json:"deviceId"`
	PairingCode string `json:"pairingCode"`
}

type queryRequest struct {
	Input string `json:"input"`
}

type selectionRequest struct {
	Place *forecast.Place `json:"place" validate:"required"`
}

// placesQuery holds query parameters for the immediate place search.
type placesQuery struct {
	Name string `validate:"required,min=2"`
}

// forecastQuery holds query parameters for the stateless forecast.
type forecastQuery struct {
	Latitude  float64 `validate:"gte=-90,lte=90"`
	Longitude float64 `validate:"gte=-180,lte=180"`
}

func (q *forecastQuery) bind(c *fiber.Ctx) error {
	latStr, lonStr := c.Query("latitude"), c.Query("longitude")
	if latStr == "" || lonStr == "" {
		return errors.New("latitude and longitude query parameters are required")
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return errors.New("invalid latitude")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return errors.New("invalid longitude")
	}
	q.Latitude = lat
	q.Longitude = lon
	return nil
}
