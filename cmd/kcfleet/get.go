package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"
	yaml "sigs.k8s.io/yaml"

	"github.com/sttts/kcfleet/pkg/fleet"
	"github.com/sttts/kcfleet/pkg/resources"
)

type getOptions struct {
	*rootOptions
	backend       string
	cluster       string
	kind          string
	apiVersion    string
	namespace     string
	selector      string
	fieldSelector string
	limit         int64
	output        string
	watch         bool
	listKinds     bool
}

func newGetCommand(root *rootOptions) *cobra.Command {
	o := &getOptions{rootOptions: root, apiVersion: "v1", output: "json"}
	cmd := &cobra.Command{
		Use:   "get [name]",
		Short: "Fetch or watch resources of a fleet or hub cluster",
		Example: `  kcfleet get --cluster east --kind Deployment --api-version apps/v1 -n default
  kcfleet get --cluster local-cluster --kind ManagedCluster --api-version cluster.open-cluster-management.io/v1 --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, args)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.backend, "backend", o.backend, "Backend URL serving the managed cluster proxy (overrides the config file)")
	fs.StringVar(&o.cluster, "cluster", o.cluster, "Cluster to read from (default: the hub)")
	fs.StringVar(&o.kind, "kind", o.kind, "Kind to read")
	fs.StringVar(&o.apiVersion, "api-version", o.apiVersion, "API version of the kind")
	fs.StringVarP(&o.namespace, "namespace", "n", o.namespace, "Namespace of namespaced kinds")
	fs.StringVarP(&o.selector, "selector", "l", o.selector, "Label selector")
	fs.StringVar(&o.fieldSelector, "field-selector", o.fieldSelector, "Field selector")
	fs.Int64Var(&o.limit, "limit", o.limit, "Maximum number of list items")
	fs.StringVarP(&o.output, "output", "o", o.output, "Output format: json or yaml")
	fs.BoolVarP(&o.watch, "watch", "w", o.watch, "Keep watching and print every change")
	fs.BoolVar(&o.listKinds, "list-kinds", o.listKinds, "List the kinds known to hub discovery and exit")
	return cmd
}

func (o *getOptions) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := o.config()
	if err != nil {
		return err
	}
	if o.backend != "" {
		cfg.Fleet.BackendURL = o.backend
	}
	cfg.Fleet.LiveWatch = cfg.Fleet.LiveWatch && o.watch
	if o.cluster == "" {
		o.cluster = cfg.Hub.Name
	}

	client, resolver, err := newFleetClient(ctx, cfg)
	if err != nil {
		return err
	}
	if o.listKinds {
		infos, err := resolver.ResourceInfos()
		if err != nil {
			return err
		}
		return printKinds(out, infos)
	}

	req, err := o.request(args)
	if err != nil {
		return err
	}

	if !o.watch {
		r, err := client.Fetch(ctx, req)
		if err != nil {
			return err
		}
		if r.Err != nil {
			return r.Err
		}
		return printResult(out, r, o.output)
	}

	logger := klog.FromContext(ctx)
	w := client.Watch(ctx, req)
	defer w.Stop()
	for {
		select {
		case <-w.Done():
			return nil
		case <-w.Changed():
		}
		r := w.Result()
		if r.Err != nil {
			logger.Error(r.Err, "Watch failed", "cluster", req.Cluster, "kind", req.GroupVersionKind.Kind)
			continue
		}
		if !r.Loaded {
			continue
		}
		if err := printResult(out, r, o.output); err != nil {
			return err
		}
	}
}

// request builds the watch request from the flags. A name selects a single
// object.
func (o *getOptions) request(args []string) (*fleet.WatchRequest, error) {
	if o.kind == "" {
		return nil, fmt.Errorf("--kind is required")
	}
	gv, err := schema.ParseGroupVersion(o.apiVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid --api-version %q: %w", o.apiVersion, err)
	}
	req := &fleet.WatchRequest{
		Cluster:          o.cluster,
		GroupVersionKind: gv.WithKind(o.kind),
		IsList:           len(args) == 0,
		Namespace:        o.namespace,
		FieldSelector:    o.fieldSelector,
		Limit:            o.limit,
	}
	if len(args) == 1 {
		req.Name = args[0]
	}
	if o.selector != "" {
		if !req.IsList {
			return nil, fmt.Errorf("--selector only applies to lists")
		}
		sel, err := metav1.ParseToLabelSelector(o.selector)
		if err != nil {
			return nil, fmt.Errorf("invalid --selector: %w", err)
		}
		req.Selector = sel
	}
	return req, nil
}

func printResult(w io.Writer, r fleet.Result, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r.Data())
	case "yaml":
		data, err := yaml.Marshal(r.Data())
		if err != nil {
			return err
		}
		if _, err := w.Write(append([]byte("---\n"), data...)); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

func printKinds(w io.Writer, infos []resources.ResourceInfo) error {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].GVK.Group != infos[j].GVK.Group {
			return infos[i].GVK.Group < infos[j].GVK.Group
		}
		return infos[i].GVK.Kind < infos[j].GVK.Kind
	})
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tAPIVERSION\tRESOURCE\tNAMESPACED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", info.GVK.Kind, info.GVK.GroupVersion().String(), info.Resource, info.Namespaced)
	}
	return tw.Flush()
}
