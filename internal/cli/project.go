package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
	Long:  "Commands for managing projects registered with the previewd daemon.",
}

var projectAddName string

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a project",
	Long:  "Register a project directory with the previewd daemon.",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <project>",
	Short: "Remove a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectRemove,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("path does not exist: %s", absPath)
		}
		return fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	client := MustConnect()
	defer client.Close()

	added, err := client.ProjectAdd(absPath, projectAddName)
	if err != nil {
		return fmt.Errorf("add project: %w", err)
	}

	fmt.Printf("Registered project %s (%s)\n", added.Name, added.ID)
	return nil
}

func runProjectRemove(cmd *cobra.Command, args []string) error {
	client := MustConnect()
	defer client.Close()

	if err := client.ProjectRemove(args[0]); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}

	fmt.Printf("Removed project: %s\n", args[0])
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	client := MustConnect()
	defer client.Close()

	list, err := client.ProjectList()
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	if len(list.Projects) == 0 {
		fmt.Println("No projects registered.")
		fmt.Println("Add one with: previewd project add <path>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tPATH")
	for _, p := range list.Projects {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Path)
	}
	_ = w.Flush()
	return nil
}

func init() {
	projectAddCmd.Flags().StringVarP(&projectAddName, "name", "n", "", "Project name (default: directory name)")
	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	rootCmd.AddCommand(projectCmd)
}
