package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"
	"sigs.k8s.io/yaml"

	api "github.com/proxmove/proxmove/api/v1alpha1"
)

const (
	jsonFormat = "json"
	yamlFormat = "yaml"

	MigrationKind = "migration"
	ClusterKind   = "cluster"
)

var (
	legalOutputTypes = []string{jsonFormat, yamlFormat}
)

type GetOptions struct {
	GlobalOptions

	Output string
}

func DefaultGetOptions() *GetOptions {
	return &GetOptions{
		GlobalOptions: DefaultGlobalOptions(),
	}
}

func NewCmdGet() *cobra.Command {
	o := DefaultGetOptions()
	cmd := &cobra.Command{
		Use:   "get (TYPE | TYPE/ID)",
		Short: "Display one or many resources.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *GetOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
}

func (o *GetOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *GetOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}

	if _, _, err := parseKindID(args[0]); err != nil {
		return err
	}

	if len(o.Output) > 0 && !funk.Contains(legalOutputTypes, o.Output) {
		return fmt.Errorf("output format must be one of %s", strings.Join(legalOutputTypes, ", "))
	}

	return nil
}

func (o *GetOptions) Run(ctx context.Context, args []string) error {
	c := newAPIClient(o.ServerUrl)

	kind, id, err := parseKindID(args[0])
	if err != nil {
		return err
	}

	var response interface{}
	switch {
	case kind == MigrationKind && id != "":
		var job api.MigrationJob
		if err := c.get(ctx, "/migrations/"+id, &job); err != nil {
			return fmt.Errorf("reading %s/%s: %w", kind, id, err)
		}
		response = job
	case kind == MigrationKind:
		var list api.MigrationJobList
		if err := c.get(ctx, "/migrations", &list); err != nil {
			return fmt.Errorf("listing %ss: %w", kind, err)
		}
		response = list
	case kind == ClusterKind && id != "":
		var cluster api.Cluster
		if err := c.get(ctx, "/clusters/"+id, &cluster); err != nil {
			return fmt.Errorf("reading %s/%s: %w", kind, id, err)
		}
		response = cluster
	default:
		var clusters []api.Cluster
		if err := c.get(ctx, "/clusters", &clusters); err != nil {
			return fmt.Errorf("listing %ss: %w", kind, err)
		}
		response = clusters
	}
	return render(response, o.Output)
}

// parseKindID splits "migrations/ID" into its kind and optional id.
// Singular and plural forms are both accepted.
func parseKindID(arg string) (string, string, error) {
	kind, id, _ := strings.Cut(arg, "/")
	kind = strings.TrimSuffix(strings.ToLower(kind), "s")
	if kind != MigrationKind && kind != ClusterKind {
		return "", "", fmt.Errorf("unsupported resource kind: %s", kind)
	}
	return kind, id, nil
}

func render(response interface{}, output string) error {
	switch output {
	case jsonFormat:
		marshalled, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("marshalling resource: %w", err)
		}
		fmt.Printf("%s\n", string(marshalled))
		return nil
	case yamlFormat:
		marshalled, err := yaml.Marshal(response)
		if err != nil {
			return fmt.Errorf("marshalling resource: %w", err)
		}
		fmt.Printf("%s\n", string(marshalled))
		return nil
	default:
		return printTable(response)
	}
}

func printTable(response interface{}) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, '\t', 0)
	switch r := response.(type) {
	case api.MigrationJob:
		printJobsTable(w, r)
	case api.MigrationJobList:
		printJobsTable(w, r.Items...)
	case api.Cluster:
		printClustersTable(w, r)
	case []api.Cluster:
		printClustersTable(w, r...)
	default:
		return fmt.Errorf("unknown resource type %T", response)
	}
	return w.Flush()
}

func printJobsTable(w *tabwriter.Writer, jobs ...api.MigrationJob) {
	fmt.Fprintln(w, "ID\tSOURCE VM\tTARGET VM\tSTATUS\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", j.ID, j.SourceVMID, j.TargetVMID, j.Status, j.ErrorKind)
	}
}

func printClustersTable(w *tabwriter.Writer, clusters ...api.Cluster) {
	fmt.Fprintln(w, "ID\tNAME\tAPI HOST\tAPI USER")
	for _, c := range clusters {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ID, c.Name, c.APIHost, c.APIUser)
	}
}
