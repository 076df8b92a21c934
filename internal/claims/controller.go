package claims

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	cbus "github.com/next-trace/scg-microservice/contract/bus"
)

// Publisher sends typed messages; *servicebus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg any, opts cbus.PublishOptions) error
}

// Controller serves /claim.
type Controller struct {
	bus Publisher
}

// NewController returns a controller. Without a publisher, filing claims is
// unavailable.
func NewController(bus Publisher) *Controller {
	return &Controller{bus: bus}
}

// Register mounts the routes on r.
func (c *Controller) Register(r gin.IRoutes) {
	r.GET("/claim", c.listActive)
	r.POST("/claim", c.submit)
}

func (c *Controller) listActive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, []Claim{})
}

type submitRequest struct {
	Description string `json:"description" binding:"required"`
}

func (c *Controller) submit(ctx *gin.Context) {
	if c.bus == nil {
		ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "messaging is disabled"})
		return
	}

	var req submitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claim := New(req.Description)
	ev := ClaimSubmitted{ClaimID: claim.ID, Description: claim.Description}

	if err := c.bus.Publish(ctx.Request.Context(), ev, cbus.PublishOptions{Key: claim.ID.String()}); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusAccepted, claim)
}
