// aws resolves the values a provisioning run reads from EC2: the address of
// an instance, the key pair it was launched with, and whether its security
// group lets SSH in.
//
// Every helper takes the narrowest client interface it needs, *ec2.Client
// satisfies all of them.
package aws
