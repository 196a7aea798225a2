package model

import (
	"encoding/json"

	"gorm.io/gorm"

	api "github.com/proxmove/proxmove/api/v1alpha1"
)

// Cluster is a registered cluster with the credentials needed to drive a
// migration against it.
type Cluster struct {
	gorm.Model
	Name     string `gorm:"uniqueIndex;not null"`
	APIHost  string `gorm:"not null"`
	APIUser  string `gorm:"not null"`
	Insecure bool

	APITokenName   string
	APITokenSecret string

	SSHUser       string
	SSHPassword   string
	SSHPrivateKey string
}

type ClusterList []Cluster

func NewClusterFromApiForm(form *api.ClusterForm) *Cluster {
	return &Cluster{
		Name:           form.Name,
		APIHost:        form.APIHost,
		APIUser:        form.APIUser,
		APITokenName:   form.APITokenName,
		APITokenSecret: form.APITokenSecret,
		SSHUser:        form.SSHUser,
		SSHPassword:    form.SSHPassword,
		SSHPrivateKey:  form.SSHPrivateKey,
	}
}

func (c Cluster) ToApiResource() api.Cluster {
	return api.Cluster{
		ID:        c.ID,
		Name:      c.Name,
		APIHost:   c.APIHost,
		APIUser:   c.APIUser,
		SSHUser:   c.SSHUser,
		CreatedAt: c.CreatedAt,
	}
}

func (cl ClusterList) ToApiResource() []api.Cluster {
	out := make([]api.Cluster, 0, len(cl))
	for _, c := range cl {
		out = append(out, c.ToApiResource())
	}
	return out
}

// String renders the cluster without its credential fields.
func (c Cluster) String() string {
	val, _ := json.Marshal(c.ToApiResource())
	return string(val)
}
