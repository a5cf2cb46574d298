package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/certmgr/service"
	"github.com/certkeep/certkeep/pkg/config"
	"github.com/certkeep/certkeep/pkg/util"
)

const appName string = "certkeep"

// CobraApp is the main application structure for the Cobra-based CLI
type CobraApp struct {
	rootCmd *cobra.Command
}

// NewCobraApp creates a new instance of the Cobra CLI application
func NewCobraApp() *CobraApp {
	app := &CobraApp{}
	app.rootCmd = &cobra.Command{
		Use:   appName,
		Short: "Certificate lifecycle manager",
		Long:  `Certkeep discovers X.509 certificates, tracks their renewal policy, stores key passphrases and deploys renewed artifacts to external targets.`,
	}
	app.rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	app.rootCmd.MarkPersistentFlagRequired("config")
	app.rootCmd.MarkPersistentFlagFilename("config")

	// Add serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lifecycle manager service",
		RunE:  app.runServe,
	}
	app.rootCmd.AddCommand(serveCmd)

	// Add cert commands
	certCmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage certificates",
	}
	app.rootCmd.AddCommand(certCmd)

	certListCmd := &cobra.Command{
		Use:   "list",
		Short: "List certificates",
		RunE:  app.runCertList,
	}
	certListCmd.Flags().Bool("expiring", false, "Only certificates inside their renewal window")
	certListCmd.Flags().Bool("json", false, "JSON output")
	certCmd.AddCommand(certListCmd)

	certGetCmd := &cobra.Command{
		Use:   "get [fingerprint]",
		Short: "Show one certificate",
		Args:  cobra.ExactArgs(1),
		RunE:  app.runCertGet,
	}
	certCmd.AddCommand(certGetCmd)

	certCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new certificate",
		RunE:  app.runCertCreate,
	}
	certCreateCmd.Flags().String("name", "", "Certificate name")
	certCreateCmd.Flags().String("subject", "", "Subject distinguished name")
	certCreateCmd.Flags().String("cert-type", "standard", "Certificate type (standard, rootCA, intermediateCA)")
	certCreateCmd.Flags().String("key-type", "RSA", "Key type (RSA or EC)")
	certCreateCmd.Flags().Int("key-size", 0, "Key size in bits")
	certCreateCmd.Flags().Int("days", 0, "Validity in days")
	certCreateCmd.Flags().StringArray("domain", nil, "SAN domain")
	certCreateCmd.Flags().StringArray("ip", nil, "SAN IP address")
	certCreateCmd.Flags().String("passphrase", "", "Private key passphrase")
	certCreateCmd.Flags().String("ca", "", "Signing CA fingerprint")
	certCreateCmd.MarkFlagRequired("name")
	certCmd.AddCommand(certCreateCmd)

	certRenewCmd := &cobra.Command{
		Use:   "renew [fingerprint]",
		Short: "Renew a certificate",
		Args:  cobra.ExactArgs(1),
		RunE:  app.runCertRenew,
	}
	certRenewCmd.Flags().Int("days", 0, "Validity in days (default: previous lifetime)")
	certRenewCmd.Flags().Int("key-size", 0, "Generate a fresh key of this size")
	certRenewCmd.Flags().Bool("include-idle", false, "Promote idle SANs into the renewed certificate")
	certRenewCmd.Flags().Bool("deploy", false, "Run deploy actions after renewal")
	certCmd.AddCommand(certRenewCmd)

	certDeleteCmd := &cobra.Command{
		Use:   "delete [fingerprint]",
		Short: "Delete a certificate and back up its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE:  app.runCertDelete,
	}
	certCmd.AddCommand(certDeleteCmd)

	certDeployCmd := &cobra.Command{
		Use:   "deploy [fingerprint]",
		Short: "Run the deploy actions of a certificate",
		Args:  cobra.ExactArgs(1),
		RunE:  app.runCertDeploy,
	}
	certCmd.AddCommand(certDeployCmd)

	// Add domain commands
	domainCmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage SAN domains",
	}
	certCmd.AddCommand(domainCmd)

	domainAddCmd := &cobra.Command{
		Use:   "add [fingerprint] [domain]",
		Short: "Add a SAN domain",
		Args:  cobra.ExactArgs(2),
		RunE:  app.runDomainAdd,
	}
	domainAddCmd.Flags().Bool("idle", false, "Queue for the next renewal instead of the active set")
	domainCmd.AddCommand(domainAddCmd)

	domainRemoveCmd := &cobra.Command{
		Use:   "remove [fingerprint] [domain]",
		Short: "Remove a SAN domain",
		Args:  cobra.ExactArgs(2),
		RunE:  app.runDomainRemove,
	}
	domainRemoveCmd.Flags().Bool("idle", false, "Remove from the idle set")
	domainCmd.AddCommand(domainRemoveCmd)

	// Add vault commands
	vaultCmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the passphrase vault",
	}
	app.rootCmd.AddCommand(vaultCmd)

	vaultSetCmd := &cobra.Command{
		Use:   "set [fingerprint] [passphrase]",
		Short: "Store a passphrase",
		Args:  cobra.ExactArgs(2),
		RunE:  app.runVaultSet,
	}
	vaultCmd.AddCommand(vaultSetCmd)

	vaultRemoveCmd := &cobra.Command{
		Use:   "remove [fingerprint]",
		Short: "Remove a passphrase",
		Args:  cobra.ExactArgs(1),
		RunE:  app.runVaultRemove,
	}
	vaultCmd.AddCommand(vaultRemoveCmd)

	vaultRotateCmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the vault encryption key",
		RunE:  app.runVaultRotate,
	}
	vaultCmd.AddCommand(vaultRotateCmd)

	vaultImportCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import passphrases from a plaintext JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  app.runVaultImport,
	}
	vaultCmd.AddCommand(vaultImportCmd)

	return app
}

// Run executes the CLI application
func (app *CobraApp) Run() {
	if err := app.rootCmd.Execute(); err != nil {
		logrus.Errorf("failed to run command: %v", err)
		os.Exit(1)
	}
}

func (app *CobraApp) newManager(cmd *cobra.Command) (*service.Manager, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg := config.ManagerConfig{}
	if err := config.FromFile(configPath, &cfg); err != nil {
		logrus.Errorf("failed to load config: %v", err)
		return nil, err
	}
	return service.New(cfg)
}

// Serve command implementation
func (app *CobraApp) runServe(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logrus.Info("starting certkeep.")
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logrus.Info("Shutting down......")
		cancel()
	}()

	return manager.Run(ctx)
}

func (app *CobraApp) runCertList(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	if err := manager.Load(); err != nil {
		return err
	}

	expiringOnly, _ := cmd.Flags().GetBool("expiring")
	asJSON, _ := cmd.Flags().GetBool("json")

	entries := manager.Catalog().GetAllWithMetadata()
	if expiringOnly {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.IsExpiredNow || entry.IsExpiringSoon {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	if asJSON {
		encoded, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "FINGERPRINT\tNAME\tTYPE\tEXPIRES\tDAYS\tAUTO-RENEW")
	for _, entry := range entries {
		fmt.Fprintf(writer, "%.16s\t%s\t%s\t%s\t%d\t%v\n",
			entry.Fingerprint,
			entry.Name,
			entry.CertType,
			time.Unix(entry.ValidTo, 0).UTC().Format("2006-01-02"),
			entry.DaysUntilExpiryNow,
			entry.Config.AutoRenew,
		)
	}
	return writer.Flush()
}

func (app *CobraApp) runCertGet(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	if err := manager.Load(); err != nil {
		return err
	}

	entry, err := manager.Catalog().Get(args[0])
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func (app *CobraApp) runCertCreate(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	if err := manager.Load(); err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	subject, _ := cmd.Flags().GetString("subject")
	certType, _ := cmd.Flags().GetString("cert-type")
	keyType, _ := cmd.Flags().GetString("key-type")
	keySize, _ := cmd.Flags().GetInt("key-size")
	days, _ := cmd.Flags().GetInt("days")
	domains, _ := cmd.Flags().GetStringArray("domain")
	ips, _ := cmd.Flags().GetStringArray("ip")
	passphrase, _ := cmd.Flags().GetString("passphrase")
	ca, _ := cmd.Flags().GetString("ca")

	opts := model.CreateOptions{
		Name:       name,
		Subject:    subject,
		CertType:   model.CertType(certType),
		KeyType:    model.KeyType(keyType),
		KeySize:    keySize,
		Days:       days,
		SANs:       model.SANs{Domains: domains, IPs: ips},
		Passphrase: passphrase,
	}
	if ca != "" {
		opts.Config.SignWithCA = true
		opts.Config.CAFingerprint = model.NormalizeFingerprint(ca)
	}

	result, err := manager.Engine().Create(cmd.Context(), opts)
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s)\n", name, result.Fingerprint)
	return nil
}

func (app *CobraApp) runCertRenew(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	if err := manager.Load(); err != nil {
		return err
	}

	days, _ := cmd.Flags().GetInt("days")
	keySize, _ := cmd.Flags().GetInt("key-size")
	includeIdle, _ := cmd.Flags().GetBool("include-idle")
	runDeploy, _ := cmd.Flags().GetBool("deploy")

	opts := model.RenewOptions{
		Days:        days,
		KeySize:     keySize,
		IncludeIdle: includeIdle,
	}

	var result *model.RenewResult
	if runDeploy {
		result, err = manager.RenewAndDeploy(cmd.Context(), args[0], opts)
	} else {
		result, err = manager.Engine().Renew(cmd.Context(), args[0], opts)
	}
	if err != nil {
		return err
	}

	fmt.Printf("renewed: %s -> %s\n", result.PreviousFingerprint, result.Fingerprint)
	if len(result.FormatRestoration.Failed) > 0 {
		fmt.Printf("failed to restore formats: %v\n", result.FormatRestoration.Failed)
	}
	return nil
}

func (app *CobraApp) runCertDelete(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	if err := manager.Load(); err != nil {
		return err
	}
	if err := manager.Catalog().Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", model.NormalizeFingerprint(args[0]))
	return nil
}

func (app *CobraApp) runCertDeploy(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	if err := manager.Load(); err != nil {
		return err
	}

	entry, err := manager.Catalog().Get(args[0])
	if err != nil {
		return err
	}
	result := manager.Orchestrator().Execute(cmd.Context(), entry)
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	if !result.Success {
		return fmt.Errorf("%d of %d actions failed", len(result.Failures), result.ActionsExecuted)
	}
	return nil
}

func (app *CobraApp) runDomainAdd(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	if err := manager.Load(); err != nil {
		return err
	}
	idle, _ := cmd.Flags().GetBool("idle")
	return manager.Catalog().AddDomain(args[0], args[1], idle)
}

func (app *CobraApp) runDomainRemove(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	if err := manager.Load(); err != nil {
		return err
	}
	idle, _ := cmd.Flags().GetBool("idle")
	return manager.Catalog().RemoveDomain(args[0], args[1], idle)
}

func (app *CobraApp) runVaultSet(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	return manager.Vault().Put(model.NormalizeFingerprint(args[0]), args[1])
}

func (app *CobraApp) runVaultRemove(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	removed, err := manager.Vault().Delete(model.NormalizeFingerprint(args[0]))
	if err != nil {
		return err
	}
	if !removed {
		return model.ErrNotFound
	}
	return nil
}

func (app *CobraApp) runVaultRotate(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}
	if err := manager.Vault().RotateKey(); err != nil {
		return err
	}
	logrus.Info("vault key rotated.")
	return nil
}

func (app *CobraApp) runVaultImport(cmd *cobra.Command, args []string) error {
	manager, err := app.newManager(cmd)
	if err != nil {
		return err
	}

	if !util.FileExists(args[0]) {
		return fmt.Errorf("%s: %w", args[0], model.ErrNotFound)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	entries := map[string]string{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("%s: %s: %w", args[0], err.Error(), model.ErrMalformed)
	}

	count, err := manager.Vault().ImportLegacy(entries)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d passphrases\n", count)
	return nil
}
