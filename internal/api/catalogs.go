package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/broker"
	"vd-catalogd.io/catalogd/internal/catalog"
	"vd-catalogd.io/catalogd/internal/directory"
	"vd-catalogd.io/catalogd/internal/identity"
	apperrors "vd-catalogd.io/catalogd/internal/pkg/errors"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
)

const identityKey = "catalogd.identity"

// requireIdentity decodes the hand-off token minted by the web tier.
// Every operation endpoint runs under the identity it carries.
func requireIdentity(codec *identity.Codec) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Handoff-Token")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "hand-off token required"})
			return
		}
		id, err := codec.Decode(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "hand-off token rejected"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func callerIdentity(c *gin.Context) identity.Context {
	return c.MustGet(identityKey).(identity.Context)
}

// writeError maps the failure taxonomy onto status codes. Anything
// unclassified is treated as a caller mistake.
func writeError(c *gin.Context, err error) {
	var (
		cred *apperrors.CredentialError
		cfg  *apperrors.ConfigurationError
		ext  *apperrors.ExternalOperationError
		dec  *apperrors.DecodeError
	)
	switch {
	case apperrors.As(err, &cred):
		c.JSON(http.StatusForbidden, gin.H{"error": cred.Error()})
	case apperrors.As(err, &cfg):
		c.JSON(http.StatusInternalServerError, gin.H{"error": cfg.Error()})
	case apperrors.As(err, &ext):
		c.JSON(http.StatusBadGateway, gin.H{"error": ext.Error()})
	case apperrors.As(err, &dec):
		c.JSON(http.StatusBadGateway, gin.H{"error": dec.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

type catalogHandler struct {
	catalogs  *catalog.Workflow
	broker    *broker.Service
	directory *directory.Service
}

type createCatalogRequest struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Count             int      `json:"count"`
	DesktopType       string   `json:"desktopType"`
	Template          string   `json:"template"`
	Network           string   `json:"network"`
	SecurityGroup     string   `json:"securityGroup"`
	ComputeOffering   string   `json:"computeOffering"`
	Users             []string `json:"users"`
	ProductBundleCode string   `json:"productBundleCode"`
}

type catalogResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Count           int      `json:"count"`
	CountInUse      int      `json:"countInUse"`
	DesktopType     string   `json:"desktopType"`
	Template        string   `json:"template"`
	ComputeOffering string   `json:"computeOffering"`
	DiskSize        int      `json:"diskSize"`
	Network         string   `json:"network"`
	SecurityGroup   string   `json:"securityGroup"`
	Users           []string `json:"users,omitempty"`
	Status          string   `json:"status"`
}

func toCatalogResponse(cat broker.Catalog) catalogResponse {
	return catalogResponse{
		ID:              cat.ID,
		Name:            cat.Name,
		Description:     cat.Description,
		Count:           cat.Count,
		CountInUse:      cat.CountInUse,
		DesktopType:     cat.DesktopType,
		Template:        cat.Template,
		ComputeOffering: cat.ComputeOffering,
		DiskSize:        cat.DiskSize,
		Network:         cat.Network,
		SecurityGroup:   cat.SecurityGroup,
		Users:           cat.Users,
		Status:          cat.Status,
	}
}

type machineResponse struct {
	Name              string   `json:"name"`
	HostName          string   `json:"hostName"`
	CatalogName       string   `json:"catalogName"`
	DesktopGroupName  string   `json:"desktopGroupName"`
	DNSName           string   `json:"dnsName"`
	VMResourceID      string   `json:"vmResourceId"`
	PowerState        string   `json:"powerState"`
	RegistrationState string   `json:"registrationState"`
	InMaintenanceMode bool     `json:"inMaintenanceMode"`
	SessionCount      int      `json:"sessionCount"`
	AssociatedUsers   []string `json:"associatedUsers,omitempty"`
	SupportedActions  []string `json:"supportedActions,omitempty"`
}

func (h *catalogHandler) create(c *gin.Context) {
	var req createCatalogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	taskID, err := h.catalogs.Create(c.Request.Context(), callerIdentity(c), catalog.Spec{
		Name:              req.Name,
		Description:       req.Description,
		Count:             req.Count,
		DesktopType:       req.DesktopType,
		Template:          req.Template,
		Network:           req.Network,
		SecurityGroup:     req.SecurityGroup,
		ComputeOffering:   req.ComputeOffering,
		Users:             req.Users,
		ProductBundleCode: req.ProductBundleCode,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": taskID})
}

func (h *catalogHandler) list(c *gin.Context) {
	catalogs, err := h.broker.GetCatalogWithUsers(c.Request.Context(), callerIdentity(c), c.Query("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]catalogResponse, 0, len(catalogs))
	for _, cat := range catalogs {
		out = append(out, toCatalogResponse(cat))
	}
	c.JSON(http.StatusOK, gin.H{"catalogs": out})
}

type growRequest struct {
	Count int `json:"count"`
}

func (h *catalogHandler) grow(c *gin.Context) {
	var req growRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	taskID, err := h.catalogs.Grow(c.Request.Context(), callerIdentity(c), c.Param("name"), req.Count)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": taskID})
}

func (h *catalogHandler) delete(c *gin.Context) {
	name := c.Param("name")
	taskID, err := h.catalogs.Delete(c.Request.Context(), callerIdentity(c), name,
		logger.With(zap.String("catalog", name)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": taskID})
}

func (h *catalogHandler) machines(c *gin.Context) {
	machines, err := h.broker.GetMachines(c.Request.Context(), callerIdentity(c), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]machineResponse, 0, len(machines))
	for _, m := range machines {
		out = append(out, machineResponse{
			Name:              m.Name,
			HostName:          m.HostName(),
			CatalogName:       m.CatalogName,
			DesktopGroupName:  m.DesktopGroupName,
			DNSName:           m.DNSName,
			VMResourceID:      m.VMResourceID,
			PowerState:        m.PowerState,
			RegistrationState: m.RegistrationState,
			InMaintenanceMode: m.InMaintenanceMode,
			SessionCount:      m.SessionCount,
			AssociatedUsers:   m.AssociatedUsers,
			SupportedActions:  m.SupportedActions,
		})
	}
	c.JSON(http.StatusOK, gin.H{"machines": out})
}

func (h *catalogHandler) restartMachine(c *gin.Context) {
	if err := h.broker.RestartMachine(c.Request.Context(), callerIdentity(c), c.Param("machine")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *catalogHandler) bundles(c *gin.Context) {
	bundles, err := h.catalogs.Bundles(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bundles": bundles})
}

type principalResponse struct {
	AccountName string `json:"accountName"`
	DisplayName string `json:"displayName"`
	IsGroup     bool   `json:"isGroup"`
}

func (h *catalogHandler) searchDirectory(c *gin.Context) {
	pattern := c.Query("q")
	if pattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	principals, err := h.directory.Search(c.Request.Context(), callerIdentity(c), pattern)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]principalResponse, 0, len(principals))
	for _, p := range principals {
		out = append(out, principalResponse{
			AccountName: p.AccountName,
			DisplayName: p.DisplayName,
			IsGroup:     p.IsGroup,
		})
	}
	c.JSON(http.StatusOK, gin.H{"principals": out})
}

func (h *catalogHandler) checkAccess(c *gin.Context) {
	if err := h.broker.TestAccess(c.Request.Context(), callerIdentity(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
