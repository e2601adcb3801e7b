package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/sttts/kcfleet/pkg/fleet"
)

type clustersOptions struct {
	*rootOptions
	all         bool
	bySet       bool
	clusterSets []string
}

func newClustersCommand(root *rootOptions) *cobra.Command {
	o := &clustersOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "List the managed clusters reachable through the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.config()
			if err != nil {
				return err
			}
			cfg.Fleet.LiveWatch = false
			client, _, err := newFleetClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			r, err := client.Fetch(cmd.Context(), fleet.ManagedClustersRequest())
			if err != nil {
				return err
			}
			if r.Err != nil {
				return r.Err
			}
			return o.print(cmd.OutOrStdout(), objects(r.Items))
		},
	}
	cmd.Flags().BoolVar(&o.all, "all", o.all, "Include clusters without an available cluster proxy")
	cmd.Flags().BoolVar(&o.bySet, "by-set", o.bySet, "Group clusters by cluster set")
	cmd.Flags().StringSliceVar(&o.clusterSets, "cluster-set", o.clusterSets, "Only show these cluster sets (implies --by-set)")
	return cmd
}

func (o *clustersOptions) print(w io.Writer, clusters []*unstructured.Unstructured) error {
	opts := fleet.ClusterNameOptions{AllClusters: o.all, ClusterSets: o.clusterSets, IncludeGlobal: len(o.clusterSets) == 0}
	if !o.bySet && len(o.clusterSets) == 0 {
		for _, name := range fleet.ClusterNames(clusters, opts) {
			if _, err := fmt.Fprintln(w, name); err != nil {
				return err
			}
		}
		return nil
	}
	sets := fleet.ClusterSetNames(clusters, opts)
	names := make([]string, 0, len(sets))
	for set := range sets {
		names = append(names, set)
	}
	sort.Strings(names)
	for _, set := range names {
		if _, err := fmt.Fprintf(w, "%s: %s\n", set, strings.Join(sets[set], ", ")); err != nil {
			return err
		}
	}
	return nil
}

func objects(items []fleet.FleetResource) []*unstructured.Unstructured {
	out := make([]*unstructured.Unstructured, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object)
	}
	return out
}
