package partition

import (
	"fmt"

	"github.com/isometry/vdir/internal/connection"
	"github.com/isometry/vdir/internal/directory"
	"github.com/isometry/vdir/internal/scheduler"
	"github.com/isometry/vdir/internal/synchronization"
)

// Job actions.
const (
	ActionSynchronize        = "synchronize"
	ActionSynchronizeChanges = "synchronize_changes"
	ActionCreateBase         = "create_base"
	ActionRemoveBase         = "remove_base"
)

// Config declares one partition.
type Config struct {
	Name        string                   `yaml:"name"`
	Connections []connection.Config      `yaml:"connections"`
	Entries     []EntryConfig            `yaml:"entries"`
	Modules     []synchronization.Config `yaml:"modules"`
	Jobs        []JobConfig              `yaml:"jobs"`
	Triggers    []scheduler.Trigger      `yaml:"triggers"`
}

// EntryConfig declares one entry of the tree.
type EntryConfig struct {
	DN            string              `yaml:"dn"`
	ObjectClasses []string            `yaml:"object_classes"`
	Handler       string              `yaml:"handler"`
	Attributes    map[string][]string `yaml:"attributes"`
	Mappings      []MappingConfig     `yaml:"mappings"`
	Sources       []SourceConfig      `yaml:"sources"`
}

// MappingConfig declares one computed attribute of a dynamic entry.
type MappingConfig struct {
	Name       string `yaml:"name"`
	RDN        bool   `yaml:"rdn"`
	Constant   string `yaml:"constant"`
	Variable   string `yaml:"variable"`
	Expression string `yaml:"expression"`
}

// SourceConfig binds an entry to a connection.
type SourceConfig struct {
	Alias      string            `yaml:"alias"`
	Connection string            `yaml:"connection"`
	Parameters map[string]string `yaml:"parameters"`
	JoinOn     string            `yaml:"join_on"`
}

// JobConfig declares a job running one module action.
type JobConfig struct {
	Name   string `yaml:"name"`
	Module string `yaml:"module"`
	Action string `yaml:"action" default:"synchronize"`
	DN     string `yaml:"dn"`
}

// Entry converts c to a tree entry.
func (c EntryConfig) Entry() *directory.Entry {
	e := &directory.Entry{
		DN:            c.DN,
		ObjectClasses: c.ObjectClasses,
		HandlerName:   c.Handler,
	}
	if len(c.Attributes) > 0 {
		e.Attributes = make(directory.Attributes, len(c.Attributes))
		for name, values := range c.Attributes {
			e.Attributes.Set(name, values...)
		}
	}
	for _, m := range c.Mappings {
		e.Mappings = append(e.Mappings, directory.AttributeMapping{
			Name:       m.Name,
			RDN:        m.RDN,
			Constant:   m.Constant,
			Variable:   m.Variable,
			Expression: m.Expression,
		})
	}
	for _, s := range c.Sources {
		e.Sources = append(e.Sources, directory.SourceMapping{
			Alias:      s.Alias,
			Connection: s.Connection,
			Parameters: s.Parameters,
			JoinOn:     s.JoinOn,
		})
	}
	return e
}

// Validate checks the parts of the declaration that do not need the
// built tree.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("partition name cannot be empty")
	}
	if len(c.Entries) == 0 {
		return fmt.Errorf("partition %s: at least one entry is required", c.Name)
	}
	for _, j := range c.Jobs {
		switch j.Action {
		case ActionSynchronize, ActionSynchronizeChanges, ActionCreateBase, ActionRemoveBase:
		default:
			return fmt.Errorf("partition %s: job %s: unknown action %q", c.Name, j.Name, j.Action)
		}
	}
	return nil
}
