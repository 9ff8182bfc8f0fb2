// Package scim implements a SCIM 2.0 (RFC 7643/7644) provisioning facade
// over the directory reconciliation primitives. Groups are group-mapping
// entries: their membership is computed on read from live grants and never
// stored.
package scim

import (
	"strconv"
	"time"
)

// SCIM schema URNs.
const (
	SchemaUser                  = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup                 = "urn:ietf:params:scim:schemas:core:2.0:Group"
	SchemaListResponse          = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaError                 = "urn:ietf:params:scim:api:messages:2.0:Error"
	SchemaPatchOp               = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SchemaServiceProviderConfig = "urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"
	SchemaResourceType          = "urn:ietf:params:scim:schemas:core:2.0:ResourceType"
)

// Meta is the common SCIM resource metadata block.
type Meta struct {
	ResourceType string     `json:"resourceType"`
	Created      *time.Time `json:"created,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Location     string     `json:"location,omitempty"`
	Version      string     `json:"version,omitempty"`
}

// Name is the SCIM user name component.
type Name struct {
	Formatted  string `json:"formatted,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	GivenName  string `json:"givenName,omitempty"`
	MiddleName string `json:"middleName,omitempty"`
}

// Email is one SCIM email entry.
type Email struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// GroupRef is a user's reference to a group it belongs to.
type GroupRef struct {
	Value   string `json:"value"`
	Ref     string `json:"$ref,omitempty"`
	Display string `json:"display,omitempty"`
}

// User is the SCIM user resource.
type User struct {
	Schemas     []string   `json:"schemas"`
	ID          string     `json:"id,omitempty"`
	ExternalID  string     `json:"externalId,omitempty"`
	UserName    string     `json:"userName"`
	Name        *Name      `json:"name,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Emails      []Email    `json:"emails,omitempty"`
	Active      *bool      `json:"active,omitempty"`
	Groups      []GroupRef `json:"groups,omitempty"`
	Meta        *Meta      `json:"meta,omitempty"`
}

// ActiveOrDefault treats an absent active attribute as true, matching
// provisioning clients that omit it on create.
func (u *User) ActiveOrDefault() bool {
	if u.Active == nil {
		return true
	}
	return *u.Active
}

// Member is one group membership entry. Value carries the user ID.
type Member struct {
	Value   string `json:"value"`
	Ref     string `json:"$ref,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Group is the SCIM group resource. The ID doubles as the group-mapping name.
type Group struct {
	Schemas     []string `json:"schemas"`
	ID          string   `json:"id,omitempty"`
	DisplayName string   `json:"displayName"`
	ExternalID  string   `json:"externalId,omitempty"`
	Members     []Member `json:"members,omitempty"`
	Meta        *Meta    `json:"meta,omitempty"`
}

// ListResponse is the SCIM paginated listing envelope.
type ListResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []any    `json:"Resources"`
}

// Error is the SCIM error body.
type Error struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	ScimType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// NewError builds a SCIM error body for an HTTP status.
func NewError(status int, scimType, detail string) *Error {
	return &Error{
		Schemas:  []string{SchemaError},
		Status:   strconv.Itoa(status),
		ScimType: scimType,
		Detail:   detail,
	}
}

// PatchOp is one operation of a SCIM patch request.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// PatchRequest is the SCIM patch envelope.
type PatchRequest struct {
	Schemas    []string  `json:"schemas"`
	Operations []PatchOp `json:"Operations"`
}

// ServiceProviderConfig advertises supported protocol features (RFC 7644 §4).
type ServiceProviderConfig struct {
	Schemas          []string      `json:"schemas"`
	DocumentationURI string        `json:"documentationUri,omitempty"`
	Patch            SupportedFlag `json:"patch"`
	Bulk             BulkConfig    `json:"bulk"`
	Filter           FilterConfig  `json:"filter"`
	ChangePassword   SupportedFlag `json:"changePassword"`
	Sort             SupportedFlag `json:"sort"`
	ETag             SupportedFlag `json:"etag"`
}

// SupportedFlag is a single supported/unsupported feature toggle.
type SupportedFlag struct {
	Supported bool `json:"supported"`
}

// BulkConfig advertises bulk operation limits.
type BulkConfig struct {
	Supported      bool `json:"supported"`
	MaxOperations  int  `json:"maxOperations"`
	MaxPayloadSize int  `json:"maxPayloadSize"`
}

// FilterConfig advertises filtering limits.
type FilterConfig struct {
	Supported  bool `json:"supported"`
	MaxResults int  `json:"maxResults"`
}

// DefaultServiceProviderConfig describes this adapter: patch and equality
// filtering only.
func DefaultServiceProviderConfig() *ServiceProviderConfig {
	return &ServiceProviderConfig{
		Schemas: []string{SchemaServiceProviderConfig},
		Patch:   SupportedFlag{Supported: true},
		Filter:  FilterConfig{Supported: true, MaxResults: maxPageSize},
	}
}

// ResourceType describes a provisioned resource kind (RFC 7644 §4).
type ResourceType struct {
	Schemas     []string `json:"schemas"`
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Endpoint    string   `json:"endpoint"`
	Description string   `json:"description,omitempty"`
	Schema      string   `json:"schema"`
	Meta        *Meta    `json:"meta,omitempty"`
}

// ResourceTypes lists the resource kinds this adapter serves.
func ResourceTypes() []ResourceType {
	return []ResourceType{
		{
			Schemas:     []string{SchemaResourceType},
			ID:          "User",
			Name:        "User",
			Endpoint:    "/scim/v2/Users",
			Description: "User Account",
			Schema:      SchemaUser,
			Meta:        &Meta{ResourceType: "ResourceType", Location: "/scim/v2/ResourceTypes/User"},
		},
		{
			Schemas:     []string{SchemaResourceType},
			ID:          "Group",
			Name:        "Group",
			Endpoint:    "/scim/v2/Groups",
			Description: "Group",
			Schema:      SchemaGroup,
			Meta:        &Meta{ResourceType: "ResourceType", Location: "/scim/v2/ResourceTypes/Group"},
		},
	}
}
