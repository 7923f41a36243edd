package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/x402"
)

// Resource is a discoverable resource as listed by /discovery/resources.
type Resource struct {
	ID          string `json:"id"`
	Method      string `json:"method"`
	Description string `json:"description"`
	URI         string `json:"uri"`
	Price       string `json:"price"`
}

// X402EndpointEntry is one item of the /discovery/x402 listing.
type X402EndpointEntry struct {
	Accepts     []x402.PaymentRequirements `json:"accepts"`
	LastUpdated string                     `json:"lastUpdated"`
	Resource    string                     `json:"resource"`
	Type        string                     `json:"type"`
	X402Version int                        `json:"x402Version"`
}

type WeatherResponse struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Conditions  string  `json:"conditions"`
	Unit        string  `json:"unit"`
	PaidBy      string  `json:"paidBy,omitempty"`
}

type RestaurantRequest struct {
	City string `json:"city" binding:"required"`
	Food string `json:"food"`
}

type RestaurantResponse struct {
	City        string   `json:"city"`
	Food        string   `json:"food"`
	Restaurants []string `json:"restaurants"`
	Note        string   `json:"note"`
}

// Deps are the collaborators NewRouter wires into the routes.
type Deps struct {
	Payments Payments
	// MCP is mounted at /discovery/mcp when set.
	MCP    http.Handler
	Logger *zap.Logger
}

// NewRouter builds the Gin router with all HTTP routes registered.
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Payments.Logger == nil {
		d.Payments.Logger = logger
	}

	r := gin.New()
	r.Use(gin.Recovery(), loggingMiddleware(logger), metricsMiddleware)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	registerDiscoveryRoutes(r, d.Payments.Policy, d.Payments.BaseURL)
	if d.MCP != nil {
		r.Any("/discovery/mcp", gin.WrapH(d.MCP))
	}

	paid := r.Group("/", RequirePayment(d.Payments))
	registerWeatherRoutes(paid)
	registerRestaurantRoutes(paid)

	return r
}

func registerDiscoveryRoutes(r *gin.Engine, policy *x402.Policy, baseURL string) {
	// GET /discovery/resources - Returns list of priced resources
	r.GET("/discovery/resources", func(c *gin.Context) {
		catalog := httpCatalog(policy, baseURL)
		resources := make([]Resource, 0, len(catalog))
		for _, item := range catalog {
			res := Resource{
				ID:          resourceID(item),
				Method:      item.Method,
				Description: item.Description,
			}
			if len(item.Required.Accepts) > 0 {
				first := item.Required.Accepts[0]
				res.URI = first.Resource
				res.Price = x402.FormatAmount(first.MaxAmountRequired, first.Asset)
			}
			resources = append(resources, res)
		}
		c.JSON(http.StatusOK, gin.H{
			"resources": resources,
		})
	})

	// GET /discovery/x402 - Returns x402 entries for priced HTTP endpoints
	r.GET("/discovery/x402", func(c *gin.Context) {
		lastUpdated := time.Now().UTC().Format(time.RFC3339Nano)
		catalog := httpCatalog(policy, baseURL)
		entries := make([]X402EndpointEntry, 0, len(catalog))
		for _, item := range catalog {
			resource := strings.TrimRight(baseURL, "/") + item.Path
			entries = append(entries, X402EndpointEntry{
				Accepts:     item.Required.Accepts,
				LastUpdated: lastUpdated,
				Resource:    resource,
				Type:        "http",
				X402Version: item.Required.X402Version,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"entries": entries,
		})
	})
}

// httpCatalog leaves out tool rules, which are listed over MCP instead.
func httpCatalog(policy *x402.Policy, baseURL string) []x402.PricedResource {
	catalog := policy.Catalog(baseURL)
	out := catalog[:0]
	for _, item := range catalog {
		if item.Method != x402.MethodToolCall {
			out = append(out, item)
		}
	}
	return out
}

func resourceID(item x402.PricedResource) string {
	id := strings.Trim(strings.NewReplacer("/", "-", "*", "").Replace(item.Path), "-")
	if id == "" {
		id = "root"
	}
	return strings.ToLower(item.Method) + "-" + id
}

func registerWeatherRoutes(r *gin.RouterGroup) {
	// GET /weather?city=CityName - Returns synthetic weather data
	r.GET("/weather", func(c *gin.Context) {
		city := c.Query("city")
		if city == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "city query param is required",
			})
			return
		}

		payer, _ := PayerFrom(c)
		c.JSON(http.StatusOK, WeatherResponse{
			City:        city,
			Temperature: 71.2,
			Conditions:  "Partly cloudy",
			Unit:        "fahrenheit",
			PaidBy:      payer,
		})
	})
}

func registerRestaurantRoutes(r *gin.RouterGroup) {
	// POST /restaurants {"city": "...", "food": "..."} - Returns synthetic recommendations
	r.POST("/restaurants", func(c *gin.Context) {
		var req RestaurantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		food := req.Food
		if food == "" {
			food = "anything"
		}
		c.JSON(http.StatusOK, RestaurantResponse{
			City: req.City,
			Food: food,
			Restaurants: []string{
				"The " + req.City + " Kitchen",
				"Corner Bistro",
				"Harbor Grill",
			},
			Note: "Synthetic data",
		})
	})
}
